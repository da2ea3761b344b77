package contest

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
)

// maxOutcomeRetries bounds the optimistic-concurrency retry loop. Losing a
// revision race this many times in a row means something is systematically
// wrong, not merely busy.
const maxOutcomeRetries = 8

// ContestReader is the engine's view of contest metadata.
type ContestReader interface {
	GetContest(ctx context.Context, tid int64) (*domain.Contest, error)
}

// StatusStore is the engine's view of status persistence. SaveStatus must
// fail with a failed-precondition error when the document's revision no
// longer equals expectRev, and bump the revision otherwise.
type StatusStore interface {
	GetStatus(ctx context.Context, tid, uid int64) (*domain.ContestStatus, error)
	SaveStatus(ctx context.Context, st *domain.ContestStatus, expectRev int64) error
	ListStatus(ctx context.Context, tid int64) ([]domain.ContestStatus, error)
}

// Engine folds judged outcomes into per-contestant standing documents
// under concurrent writers.
type Engine struct {
	contests ContestReader
	statuses StatusStore
}

type EngineConfig struct {
	Contests ContestReader
	Statuses StatusStore
}

func NewEngine(c EngineConfig) *Engine {
	return &Engine{
		contests: c.Contests,
		statuses: c.Statuses,
	}
}

// RecordOutcome appends one judged outcome to the contestant's journal and
// recomputes the rule summary. The whole read-append-aggregate-write cycle
// retries on a revision mismatch, so concurrent terminal judgments for the
// same contestant never lose a journal entry. The contestant must have
// attended the contest.
func (e *Engine) RecordOutcome(ctx context.Context, tid, uid int64, rid uuid.UUID, pid int64, accept bool, score decimal.Decimal) error {
	c, err := e.contests.GetContest(ctx, tid)
	if err != nil {
		return err
	}
	rule, err := RuleFor(c.Rule)
	if err != nil {
		return err
	}

	entry := domain.JournalEntry{Rid: rid, Pid: pid, Accept: accept, Score: score}

	for attempt := 0; attempt < maxOutcomeRetries; attempt++ {
		st, err := e.statuses.GetStatus(ctx, tid, uid)
		if errors.IsCode(err, errors.CodeNotFound) {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("not attended: tid=%d uid=%d", tid, uid),
				errors.WithCause(err))
		}
		if err != nil {
			return err
		}
		if !st.Attend {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("not attended: tid=%d uid=%d", tid, uid))
		}

		st.Journal = DedupeJournal(append(st.Journal, entry))
		st.Summary = rule.Stat(c, st.Journal)

		err = e.statuses.SaveStatus(ctx, st, st.Rev)
		if errors.IsCode(err, errors.CodeFailedPrecondition) {
			slog.InfoContext(ctx, "contest: status revision race, retrying",
				"tid", tid,
				"uid", uid,
				"attempt", attempt,
			)
			continue
		}
		return err
	}

	return errors.New(errors.CodeFailedPrecondition,
		errors.WithMessagef("record outcome: gave up after %d revision conflicts: tid=%d uid=%d", maxOutcomeRetries, tid, uid))
}

// Standings is a contest's ranked status list.
type Standings struct {
	Contest *domain.Contest        `json:"contest"`
	Rows    []domain.ContestStatus `json:"rows"`
}

// GetStandings returns the contest's statuses in ranking order. When the
// rule's visibility predicate rejects now and the caller is not
// privileged, the rows are withheld with a failed-precondition error.
func (e *Engine) GetStandings(ctx context.Context, tid int64, privileged bool) (*Standings, error) {
	c, err := e.contests.GetContest(ctx, tid)
	if err != nil {
		return nil, err
	}
	rule, err := RuleFor(c.Rule)
	if err != nil {
		return nil, err
	}

	if !privileged && !rule.Visible(c, time.Now()) {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("standings not visible yet: tid=%d", tid))
	}

	rows, err := e.statuses.ListStatus(ctx, tid)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rule.Less(rows[i].Summary, rows[j].Summary)
	})

	return &Standings{Contest: c, Rows: rows}, nil
}
