package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/problem"
	"github.com/arbiter-oj/arbiter/internal/telemetry"
	"github.com/arbiter-oj/arbiter/internal/users"
)

// OutcomeRecorder is the contest status engine as the hook consumes it.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, tid, uid int64, rid uuid.UUID, pid int64, accept bool, score decimal.Decimal) error
}

// ProblemStore is the problem collaborator as the hook consumes it.
type ProblemStore interface {
	Inc(ctx context.Context, domainID string, pid int64, counter problem.Counter, delta int64) error
	UpdateStatus(ctx context.Context, domainID string, pid, uid int64, rid uuid.UUID, status domain.Status) (bool, error)
}

// DomainUserStore is the per-domain user-counter collaborator.
type DomainUserStore interface {
	IncDomainUser(ctx context.Context, domainID string, uid int64, counter users.Counter, delta int64) error
}

// Hook runs once per terminal judgment of a submission: announce the
// change, fold contest outcomes into standings, and maintain acceptance
// counters.
type Hook struct {
	bus      Publisher
	engine   OutcomeRecorder
	problems ProblemStore
	domains  DomainUserStore
}

type HookConfig struct {
	Bus      Publisher
	Engine   OutcomeRecorder
	Problems ProblemStore
	Domains  DomainUserStore
}

func NewHook(c HookConfig) *Hook {
	return &Hook{
		bus:      c.Bus,
		engine:   c.Engine,
		problems: c.Problems,
		domains:  c.Domains,
	}
}

// PostJudge is the post-judge hook. The record-changed event goes out
// regardless; contest aggregation and counter errors fail this call and
// are logged by the caller, leaving counters under-counted rather than
// silently wrong.
func (h *Hook) PostJudge(ctx context.Context, r *domain.Record) error {
	telemetry.RecordsJudged.WithLabelValues(r.Status.String()).Inc()

	if err := h.bus.Publish(ctx, domain.EventKeyRecordChange, r.ID.String()); err != nil {
		slog.ErrorContext(ctx, "judge: publish record change failed",
			"rid", r.ID,
			"error", err,
		)
	}

	if r.Kind != domain.KindSubmission {
		return nil
	}

	accept := r.Status == domain.StatusAccepted

	if r.Tid != nil {
		if err := h.engine.RecordOutcome(ctx, *r.Tid, r.Uid, r.ID, r.Pid, accept, r.Score); err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
		if accept {
			h.publishBalloon(ctx, *r.Tid, r.Uid, r.Pid)
		}
	}

	if r.Rejudged {
		// Rejudged outcomes must not double-count toward acceptance
		// counters.
		return nil
	}

	first, err := h.problems.UpdateStatus(ctx, r.DomainID, r.Pid, r.Uid, r.ID, r.Status)
	if err != nil {
		return fmt.Errorf("update problem status: %w", err)
	}
	if first {
		if err := h.problems.Inc(ctx, r.DomainID, r.Pid, problem.CounterAccept, 1); err != nil {
			return fmt.Errorf("inc problem accept: %w", err)
		}
		if err := h.domains.IncDomainUser(ctx, r.DomainID, r.Uid, users.CounterAccept, 1); err != nil {
			return fmt.Errorf("inc domain user accept: %w", err)
		}
	}

	return nil
}

func (h *Hook) publishBalloon(ctx context.Context, tid, uid, pid int64) {
	payload, err := json.Marshal(domain.BalloonChange{Tid: tid, Uid: uid, Pid: pid})
	if err != nil {
		slog.ErrorContext(ctx, "judge: marshal balloon change failed", "error", err)
		return
	}
	if err := h.bus.Publish(ctx, domain.EventKeyBalloonChange, string(payload)); err != nil {
		slog.ErrorContext(ctx, "judge: publish balloon change failed",
			"tid", tid,
			"error", err,
		)
	}
}
