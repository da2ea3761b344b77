package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusEvents counts events published on the event bus, by key.
	BusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_bus_events_total",
		Help: "Events published on the event bus.",
	}, []string{"key"})

	// JobsPublished counts judge jobs enqueued on the job queue.
	JobsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_jobs_published_total",
		Help: "Judge jobs enqueued.",
	})

	// RecordsJudged counts terminal judgments, by final status.
	RecordsJudged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_records_judged_total",
		Help: "Records that reached a terminal judgment.",
	}, []string{"status"})

	// SessionResets counts records swept back to waiting on worker
	// disconnect.
	SessionResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_session_resets_total",
		Help: "Claimed records reset to waiting by session teardown.",
	})
)
