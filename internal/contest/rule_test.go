package contest_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-oj/arbiter/internal/contest"
	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
)

var contestBegin = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func makeContest(rule string) *domain.Contest {
	return &domain.Contest{
		ID:       1,
		DomainID: "system",
		Title:    "test round",
		Rule:     rule,
		BeginAt:  contestBegin,
		EndAt:    contestBegin.Add(5 * time.Hour),
		Pids:     []int64{101, 102, 103},
	}
}

// ridAt crafts a time-ordered record id whose embedded timestamp is ts.
func ridAt(ts time.Time) uuid.UUID {
	u := uuid.Must(uuid.NewV7())
	ms := uint64(ts.UnixMilli())
	for i := 5; i >= 0; i-- {
		u[i] = byte(ms)
		ms >>= 8
	}
	return u
}

func entry(rid uuid.UUID, pid int64, accept bool, score int64) domain.JournalEntry {
	return domain.JournalEntry{Rid: rid, Pid: pid, Accept: accept, Score: decimal.NewFromInt(score)}
}

func TestRuleFor(t *testing.T) {
	r, err := contest.RuleFor(contest.RuleOI)
	require.NoError(t, err)
	require.Equal(t, contest.RuleOI, r.Name())

	r, err = contest.RuleFor(contest.RuleACM)
	require.NoError(t, err)
	require.Equal(t, contest.RuleACM, r.Name())

	_, err = contest.RuleFor("ioi2077")
	require.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestOIRule_Stat(t *testing.T) {
	type (
		inputs struct {
			journal []domain.JournalEntry
		}

		outputs struct {
			summary domain.Summary
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a problem counts its best score": {
			arrange: func() inputs {
				return inputs{journal: []domain.JournalEntry{
					entry(ridAt(contestBegin.Add(1*time.Minute)), 101, false, 40),
					entry(ridAt(contestBegin.Add(2*time.Minute)), 101, false, 70),
					entry(ridAt(contestBegin.Add(3*time.Minute)), 101, false, 55),
				}}
			},

			assert: func(t *testing.T, out outputs) {
				assert.True(t, decimal.NewFromInt(70).Equal(out.summary.Score),
					"score = %s", out.summary.Score)
				assert.Len(t, out.summary.Detail, 1)
			},
		},

		"problems sum into the total": {
			arrange: func() inputs {
				return inputs{journal: []domain.JournalEntry{
					entry(ridAt(contestBegin.Add(1*time.Minute)), 101, false, 70),
					entry(ridAt(contestBegin.Add(2*time.Minute)), 102, true, 100),
				}}
			},

			assert: func(t *testing.T, out outputs) {
				assert.True(t, decimal.NewFromInt(170).Equal(out.summary.Score),
					"score = %s", out.summary.Score)
			},
		},

		"entries outside the problem set are ignored": {
			arrange: func() inputs {
				return inputs{journal: []domain.JournalEntry{
					entry(ridAt(contestBegin.Add(1*time.Minute)), 999, true, 100),
				}}
			},

			assert: func(t *testing.T, out outputs) {
				assert.True(t, out.summary.Score.IsZero())
				assert.Empty(t, out.summary.Detail)
			},
		},
	}

	r, err := contest.RuleFor(contest.RuleOI)
	require.NoError(t, err)

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			in := tt.arrange()
			tt.assert(t, outputs{summary: r.Stat(makeContest(contest.RuleOI), in.journal)})
		})
	}
}

func TestOIRule_Ranking(t *testing.T) {
	r, err := contest.RuleFor(contest.RuleOI)
	require.NoError(t, err)

	high := domain.Summary{Score: decimal.NewFromInt(170)}
	low := domain.Summary{Score: decimal.NewFromInt(70)}

	require.True(t, r.Less(high, low))
	require.False(t, r.Less(low, high))
}

func TestACMRule_Stat(t *testing.T) {
	r, err := contest.RuleFor(contest.RuleACM)
	require.NoError(t, err)
	c := makeContest(contest.RuleACM)

	journal := []domain.JournalEntry{
		// 101: one rejection, then accepted 40 minutes in.
		entry(ridAt(contestBegin.Add(10*time.Minute)), 101, false, 0),
		entry(ridAt(contestBegin.Add(40*time.Minute)), 101, true, 100),
		// Attempts after acceptance never count.
		entry(ridAt(contestBegin.Add(50*time.Minute)), 101, false, 0),
		// 102: clean accept an hour in.
		entry(ridAt(contestBegin.Add(60*time.Minute)), 102, true, 100),
		// 103: rejected only, contributes no accept and no penalty.
		entry(ridAt(contestBegin.Add(70*time.Minute)), 103, false, 0),
	}

	s := r.Stat(c, journal)

	require.Equal(t, 2, s.Accept)
	// 101: 40 min elapsed + 1 rejection * 20 min = 3600s.
	// 102: 60 min elapsed = 3600s.
	require.Equal(t, int64(7200), s.PenaltySec)

	require.Len(t, s.Detail, 3)
	byPid := make(map[int64]domain.ProblemDetail)
	for _, d := range s.Detail {
		byPid[d.Pid] = d
	}
	require.Equal(t, int64(3600), byPid[101].PenaltySec)
	require.Equal(t, 1, byPid[101].Rejections)
	require.Equal(t, int64(3600), byPid[102].PenaltySec)
	require.False(t, byPid[103].Accept)
	require.Zero(t, byPid[103].PenaltySec)
}

func TestACMRule_Ranking(t *testing.T) {
	r, err := contest.RuleFor(contest.RuleACM)
	require.NoError(t, err)

	moreAccepts := domain.Summary{Accept: 3, PenaltySec: 9000}
	fewerAccepts := domain.Summary{Accept: 2, PenaltySec: 1000}
	require.True(t, r.Less(moreAccepts, fewerAccepts))

	fast := domain.Summary{Accept: 2, PenaltySec: 1000}
	slow := domain.Summary{Accept: 2, PenaltySec: 2000}
	require.True(t, r.Less(fast, slow))
	require.False(t, r.Less(slow, fast))
}

func TestRule_Visibility(t *testing.T) {
	oi, err := contest.RuleFor(contest.RuleOI)
	require.NoError(t, err)
	acm, err := contest.RuleFor(contest.RuleACM)
	require.NoError(t, err)

	c := makeContest(contest.RuleOI)

	require.False(t, oi.Visible(c, c.BeginAt.Add(time.Hour)), "oi standings stay hidden while running")
	require.True(t, oi.Visible(c, c.EndAt.Add(time.Second)))

	require.False(t, acm.Visible(c, c.BeginAt.Add(-time.Second)))
	require.True(t, acm.Visible(c, c.BeginAt), "acm standings go live at begin")
}

func TestDedupeJournal(t *testing.T) {
	r1 := ridAt(contestBegin.Add(1 * time.Minute))
	r2 := ridAt(contestBegin.Add(2 * time.Minute))

	journal := []domain.JournalEntry{
		entry(r1, 101, false, 40),
		entry(r2, 102, true, 100),
		// Replayed outcome for r1, e.g. a redelivered judgment.
		entry(r1, 101, true, 100),
	}

	got := contest.DedupeJournal(journal)

	require.Len(t, got, 2)
	require.Equal(t, r1, got[0].Rid, "first position is kept")
	require.True(t, got[0].Accept, "latest entry wins")
	require.Equal(t, r2, got[1].Rid)
}
