package contest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/arbiter-oj/arbiter/internal/contest"
	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
)

type fakeContests struct {
	c *domain.Contest
}

func (f *fakeContests) GetContest(ctx context.Context, tid int64) (*domain.Contest, error) {
	if f.c == nil || f.c.ID != tid {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("contest not found: %d", tid))
	}
	return f.c, nil
}

// fakeStatuses is an in-memory status store with the same
// compare-and-swap contract as the real one.
type fakeStatuses struct {
	mu    sync.Mutex
	docs  map[int64]*domain.ContestStatus // keyed by uid, single contest
	saves int
}

func newFakeStatuses() *fakeStatuses {
	return &fakeStatuses{docs: make(map[int64]*domain.ContestStatus)}
}

func (f *fakeStatuses) attend(tid, uid int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[uid] = &domain.ContestStatus{Tid: tid, Uid: uid, Attend: true}
}

func (f *fakeStatuses) GetStatus(ctx context.Context, tid, uid int64) (*domain.ContestStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[uid]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("status not found: %d/%d", tid, uid))
	}

	cp := *doc
	cp.Journal = append([]domain.JournalEntry(nil), doc.Journal...)
	return &cp, nil
}

func (f *fakeStatuses) SaveStatus(ctx context.Context, st *domain.ContestStatus, expectRev int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[st.Uid]
	if !ok || doc.Rev != expectRev {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("revision mismatch"))
	}

	cp := *st
	cp.Journal = append([]domain.JournalEntry(nil), st.Journal...)
	cp.Rev = expectRev + 1
	f.docs[st.Uid] = &cp
	st.Rev = cp.Rev
	f.saves++
	return nil
}

func (f *fakeStatuses) ListStatus(ctx context.Context, tid int64) ([]domain.ContestStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rows []domain.ContestStatus
	for _, doc := range f.docs {
		rows = append(rows, *doc)
	}
	return rows, nil
}

func makeEngine(rule string) (*contest.Engine, *fakeStatuses) {
	statuses := newFakeStatuses()
	e := contest.NewEngine(contest.EngineConfig{
		Contests: &fakeContests{c: makeContest(rule)},
		Statuses: statuses,
	})
	return e, statuses
}

func TestEngine_RecordOutcome(t *testing.T) {
	ctx := context.Background()

	t.Run("outcome lands in journal and summary", func(t *testing.T) {
		e, statuses := makeEngine(contest.RuleOI)
		statuses.attend(1, 7)

		rid := ridAt(contestBegin.Add(time.Minute))
		err := e.RecordOutcome(ctx, 1, 7, rid, 101, false, decimal.NewFromInt(70))
		require.NoError(t, err)

		st, err := statuses.GetStatus(ctx, 1, 7)
		require.NoError(t, err)
		require.Len(t, st.Journal, 1)
		require.True(t, decimal.NewFromInt(70).Equal(st.Summary.Score))
		require.Equal(t, int64(1), st.Rev)
	})

	t.Run("not attended is rejected", func(t *testing.T) {
		e, statuses := makeEngine(contest.RuleOI)

		rid := ridAt(contestBegin.Add(time.Minute))
		err := e.RecordOutcome(ctx, 1, 7, rid, 101, true, decimal.NewFromInt(100))
		require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))

		statuses.attend(1, 7)
		statuses.docs[7].Attend = false
		err = e.RecordOutcome(ctx, 1, 7, rid, 101, true, decimal.NewFromInt(100))
		require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))
	})

	t.Run("replayed outcome does not double count", func(t *testing.T) {
		e, statuses := makeEngine(contest.RuleOI)
		statuses.attend(1, 7)

		rid := ridAt(contestBegin.Add(time.Minute))
		require.NoError(t, e.RecordOutcome(ctx, 1, 7, rid, 101, false, decimal.NewFromInt(40)))
		require.NoError(t, e.RecordOutcome(ctx, 1, 7, rid, 101, true, decimal.NewFromInt(100)))

		st, err := statuses.GetStatus(ctx, 1, 7)
		require.NoError(t, err)
		require.Len(t, st.Journal, 1, "same record id replaces, never appends")
		require.True(t, st.Journal[0].Accept)
	})

	t.Run("concurrent outcomes both survive", func(t *testing.T) {
		e, statuses := makeEngine(contest.RuleOI)
		statuses.attend(1, 7)

		var eg errgroup.Group
		for i := 0; i < 8; i++ {
			i := i
			eg.Go(func() error {
				rid := ridAt(contestBegin.Add(time.Duration(i+1) * time.Minute))
				return e.RecordOutcome(ctx, 1, 7, rid, int64(101+i%3), false, decimal.NewFromInt(int64(10*i)))
			})
		}
		require.NoError(t, eg.Wait())

		st, err := statuses.GetStatus(ctx, 1, 7)
		require.NoError(t, err)
		require.Len(t, st.Journal, 8, "no outcome may be lost to a revision race")
	})
}

func TestEngine_GetStandings(t *testing.T) {
	ctx := context.Background()

	t.Run("withheld while the rule hides them", func(t *testing.T) {
		// An oi contest still running hides its standings.
		c := makeContest(contest.RuleOI)
		c.BeginAt = time.Now().Add(-time.Hour)
		c.EndAt = time.Now().Add(time.Hour)

		statuses := newFakeStatuses()
		statuses.attend(1, 7)
		e := contest.NewEngine(contest.EngineConfig{
			Contests: &fakeContests{c: c},
			Statuses: statuses,
		})

		_, err := e.GetStandings(ctx, 1, false)
		require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))

		// Privileged callers always see them.
		s, err := e.GetStandings(ctx, 1, true)
		require.NoError(t, err)
		require.Len(t, s.Rows, 1)
	})

	t.Run("rows come back in ranking order", func(t *testing.T) {
		e, statuses := makeEngine(contest.RuleOI)
		for uid := int64(1); uid <= 3; uid++ {
			statuses.attend(1, uid)
		}

		// uid 2 scores highest, then 3, then 1.
		scores := map[int64]int64{1: 10, 2: 100, 3: 50}
		for uid, score := range scores {
			rid := ridAt(contestBegin.Add(time.Duration(uid) * time.Minute))
			require.NoError(t, e.RecordOutcome(ctx, 1, uid, rid, 101, false, decimal.NewFromInt(score)))
		}

		s, err := e.GetStandings(ctx, 1, true)
		require.NoError(t, err)
		require.Len(t, s.Rows, 3)
		require.Equal(t, int64(2), s.Rows[0].Uid)
		require.Equal(t, int64(3), s.Rows[1].Uid)
		require.Equal(t, int64(1), s.Rows[2].Uid)
	})
}
