package judge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
	"github.com/arbiter-oj/arbiter/internal/queue"
	"github.com/arbiter-oj/arbiter/internal/record"
	"github.com/arbiter-oj/arbiter/internal/telemetry"
)

// RecordStore is the session's view of the record state machine.
type RecordStore interface {
	BeginJudge(ctx context.Context, rid uuid.UUID, judgeUid int64, status domain.Status) (*domain.Record, error)
	NextJudge(ctx context.Context, rid uuid.UUID, judgeUid int64, m record.Mutation) (*domain.Record, error)
	EndJudge(ctx context.Context, rid uuid.UUID, judgeUid int64, status domain.Status, timeMs, memoryKB int64) (*domain.Record, error)
}

// JobConsumer is the session's view of its queue consumer.
type JobConsumer interface {
	Fetch(ctx context.Context) (d queue.Delivery, ok bool, err error)
	Ack(ctx context.Context, handle string) error
	Nack(ctx context.Context, d queue.Delivery) error
}

// Publisher is the event-bus surface the session publishes on.
type Publisher interface {
	Publish(ctx context.Context, key, value string) error
}

// UserStatusStore updates the judge user's activity indicator. Failures
// are cosmetic and never fail the judging flow.
type UserStatusStore interface {
	SetStatus(ctx context.Context, uid int64, code domain.Status, rid uuid.UUID) error
}

// Session is the per-connected-worker runtime: it owns the mapping from
// delivery handle to claimed record and translates worker messages into
// record-store updates and bus publications. One session is driven by a
// single connection and processes that connection's messages in arrival
// order; different sessions only meet in the shared stores.
type Session struct {
	judgeUid int64
	records  RecordStore
	consumer JobConsumer
	bus      Publisher
	hook     *Hook
	users    UserStatusStore

	mu     sync.Mutex
	claims map[string]uuid.UUID
}

type Config struct {
	JudgeUid int64
	Records  RecordStore
	Consumer JobConsumer
	Bus      Publisher
	Hook     *Hook
	Users    UserStatusStore
}

func NewSession(c Config) *Session {
	return &Session{
		judgeUid: c.JudgeUid,
		records:  c.Records,
		consumer: c.Consumer,
		bus:      c.Bus,
		hook:     c.Hook,
		users:    c.Users,
		claims:   make(map[string]uuid.UUID),
	}
}

// Job is the claimed-job payload forwarded to the worker.
type Job struct {
	Rid      uuid.UUID
	Handle   string
	Pid      int64
	DomainID string
	Lang     string
	Code     string
	Kind     domain.Kind
}

// OnDelivery claims the delivered record. A non-nil job must be forwarded
// to the worker; a nil job means the record no longer exists and the
// message was already acknowledged and discarded.
func (s *Session) OnDelivery(ctx context.Context, d queue.Delivery) (*Job, error) {
	rdoc, err := s.records.BeginJudge(ctx, d.Rid, s.judgeUid, domain.StatusFetched)
	if errors.IsCode(err, errors.CodeNotFound) {
		// Record gone, nothing to judge.
		return nil, s.consumer.Ack(ctx, d.Handle)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.claims[d.Handle] = rdoc.ID
	s.mu.Unlock()

	s.publishChange(ctx, rdoc.ID)
	s.setUserStatus(ctx, domain.StatusFetched, rdoc.ID)

	return &Job{
		Rid:      rdoc.ID,
		Handle:   d.Handle,
		Pid:      rdoc.Pid,
		DomainID: rdoc.DomainID,
		Lang:     rdoc.Lang,
		Code:     rdoc.Code,
		Kind:     rdoc.Kind,
	}, nil
}

// OnContinue applies an incremental judging update for the handle's
// record. Unknown handles and store failures surface as errors the
// transport logs without dropping the connection.
func (s *Session) OnContinue(ctx context.Context, handle string, m record.Mutation) error {
	rid, ok := s.claim(handle)
	if !ok {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("continue for unknown handle: %s", handle))
	}

	if _, err := s.records.NextJudge(ctx, rid, s.judgeUid, m); err != nil {
		return err
	}

	s.publishChange(ctx, rid)
	if m.Status != nil {
		s.setUserStatus(ctx, *m.Status, rid)
	}
	return nil
}

// OnFinish writes the terminal judgment, acknowledges the delivery and
// runs the post-judge hook. A record that vanished or was re-claimed in
// the meantime is acknowledged and dropped.
func (s *Session) OnFinish(ctx context.Context, handle string, status domain.Status, timeMs, memoryKB int64) error {
	rid, ok := s.takeClaim(handle)
	if !ok {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("finish for unknown handle: %s", handle))
	}

	rdoc, err := s.records.EndJudge(ctx, rid, s.judgeUid, status, timeMs, memoryKB)
	if errors.IsCode(err, errors.CodeNotFound) || errors.IsCode(err, errors.CodeFailedPrecondition) {
		slog.WarnContext(ctx, "judge: stale finish dropped",
			"rid", rid,
			"judge_uid", s.judgeUid,
			"error", err,
		)
		return s.consumer.Ack(ctx, handle)
	}
	if err != nil {
		return err
	}

	if err := s.consumer.Ack(ctx, handle); err != nil {
		return err
	}

	s.setUserStatus(ctx, domain.StatusWaiting, rid)

	if err := s.hook.PostJudge(ctx, rdoc); err != nil {
		slog.ErrorContext(ctx, "judge: post-judge hook failed",
			"rid", rid,
			"error", err,
		)
	}
	return nil
}

// OnAbandon returns the delivery to the queue for another worker without
// touching the record; the next claim will be a fresh begin-judge.
func (s *Session) OnAbandon(ctx context.Context, handle string) error {
	rid, ok := s.takeClaim(handle)
	if !ok {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("abandon for unknown handle: %s", handle))
	}
	return s.consumer.Nack(ctx, queue.Delivery{Handle: handle, Rid: rid})
}

// Close reverts every outstanding claim: each record goes back to waiting
// and a change event is published. One record's failure never abandons the
// rest of the sweep; the corresponding queue messages are left for the
// broker to redeliver.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	claims := s.claims
	s.claims = make(map[string]uuid.UUID)
	s.mu.Unlock()

	for _, rid := range claims {
		_, err := s.records.EndJudge(ctx, rid, s.judgeUid, domain.StatusWaiting, 0, 0)
		if err != nil {
			slog.ErrorContext(ctx, "judge: reset claimed record failed",
				"rid", rid,
				"judge_uid", s.judgeUid,
				"error", err,
			)
		} else {
			telemetry.SessionResets.Inc()
		}

		s.publishChange(ctx, rid)
	}
}

func (s *Session) claim(handle string) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rid, ok := s.claims[handle]
	return rid, ok
}

func (s *Session) takeClaim(handle string) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rid, ok := s.claims[handle]
	delete(s.claims, handle)
	return rid, ok
}

func (s *Session) publishChange(ctx context.Context, rid uuid.UUID) {
	if err := s.bus.Publish(ctx, domain.EventKeyRecordChange, rid.String()); err != nil {
		slog.ErrorContext(ctx, "judge: publish record change failed",
			"rid", rid,
			"error", err,
		)
	}
}

func (s *Session) setUserStatus(ctx context.Context, code domain.Status, rid uuid.UUID) {
	if s.users == nil {
		return
	}
	if err := s.users.SetStatus(ctx, s.judgeUid, code, rid); err != nil {
		slog.WarnContext(ctx, "judge: set user status failed",
			"judge_uid", s.judgeUid,
			"error", err,
		)
	}
}
