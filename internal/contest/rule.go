package contest

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
)

// Rule identifiers stored on the contest document.
const (
	RuleOI  = "oi"
	RuleACM = "acm"
)

const penaltyPerRejection = 20 * time.Minute

// Rule is one stateless scoring policy: a visibility predicate over
// contest timing, an aggregation from journal to summary, and a ranking
// order over summaries.
type Rule interface {
	Name() string
	// Visible reports whether live standings may be shown at now.
	Visible(c *domain.Contest, now time.Time) bool
	// Stat folds a deduplicated journal, in submission order, into the
	// ranking summary. Entries for problems outside the contest's problem
	// set are ignored.
	Stat(c *domain.Contest, journal []domain.JournalEntry) domain.Summary
	// Less reports whether a ranks strictly before b.
	Less(a, b domain.Summary) bool
}

var rules = map[string]Rule{
	RuleOI:  oiRule{},
	RuleACM: acmRule{},
}

// RuleFor selects the scoring rule configured on a contest.
func RuleFor(name string) (Rule, error) {
	r, ok := rules[name]
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown contest rule: %q", name))
	}
	return r, nil
}

// DedupeJournal keeps the latest entry per record id, guarding against
// replayed outcomes. Each record keeps its first position in the journal;
// later duplicates replace the entry in place.
func DedupeJournal(journal []domain.JournalEntry) []domain.JournalEntry {
	out := journal[:0:0]
	index := make(map[uuid.UUID]int, len(journal))
	for _, j := range journal {
		if i, ok := index[j.Rid]; ok {
			out[i] = j
			continue
		}
		index[j.Rid] = len(out)
		out = append(out, j)
	}
	return out
}

func pidSet(c *domain.Contest) map[int64]struct{} {
	set := make(map[int64]struct{}, len(c.Pids))
	for _, pid := range c.Pids {
		set[pid] = struct{}{}
	}
	return set
}

func submitTime(rid uuid.UUID) time.Time {
	sec, nsec := rid.Time().UnixTime()
	return time.Unix(sec, nsec)
}

// oiRule: cumulative scoring. Each problem contributes the best score seen
// for it; ranking sorts by total score descending. Standings stay hidden
// until the contest ends.
type oiRule struct{}

func (oiRule) Name() string { return RuleOI }

func (oiRule) Visible(c *domain.Contest, now time.Time) bool {
	return now.After(c.EndAt)
}

func (oiRule) Stat(c *domain.Contest, journal []domain.JournalEntry) domain.Summary {
	var (
		pids  = pidSet(c)
		index = make(map[int64]int)
		best  []domain.ProblemDetail
	)
	for _, j := range journal {
		if _, ok := pids[j.Pid]; !ok {
			continue
		}
		d := domain.ProblemDetail{Rid: j.Rid, Pid: j.Pid, Accept: j.Accept, Score: j.Score}
		i, seen := index[j.Pid]
		if !seen {
			index[j.Pid] = len(best)
			best = append(best, d)
			continue
		}
		if j.Score.GreaterThan(best[i].Score) {
			best[i] = d
		}
	}

	score := decimal.Zero
	for _, d := range best {
		score = score.Add(d.Score)
	}
	return domain.Summary{Score: score, Detail: best}
}

func (oiRule) Less(a, b domain.Summary) bool {
	return a.Score.GreaterThan(b.Score)
}

// acmRule: accept/penalty scoring. Per problem, attempts after the first
// acceptance are ignored; an accepted problem contributes its submission
// time since contest begin plus a fixed penalty per prior rejection.
// Ranking sorts by accepted count descending, then penalized time
// ascending. Standings are live from contest begin.
type acmRule struct{}

func (acmRule) Name() string { return RuleACM }

func (acmRule) Visible(c *domain.Contest, now time.Time) bool {
	return !now.Before(c.BeginAt)
}

func (acmRule) Stat(c *domain.Contest, journal []domain.JournalEntry) domain.Summary {
	var (
		pids       = pidSet(c)
		index      = make(map[int64]int)
		rejections = make(map[int64]int)
		effective  []domain.ProblemDetail
	)
	for _, j := range journal {
		if _, ok := pids[j.Pid]; !ok {
			continue
		}
		if i, seen := index[j.Pid]; seen && effective[i].Accept {
			continue
		}
		if !j.Accept {
			rejections[j.Pid]++
		}

		d := domain.ProblemDetail{Rid: j.Rid, Pid: j.Pid, Accept: j.Accept, Score: j.Score}
		if i, seen := index[j.Pid]; seen {
			effective[i] = d
		} else {
			index[j.Pid] = len(effective)
			effective = append(effective, d)
		}
	}

	s := domain.Summary{Score: decimal.Zero}
	for i := range effective {
		d := &effective[i]
		d.Rejections = rejections[d.Pid]
		if !d.Accept {
			continue
		}
		elapsed := submitTime(d.Rid).Sub(c.BeginAt)
		penalty := time.Duration(d.Rejections) * penaltyPerRejection
		d.PenaltySec = int64((elapsed + penalty).Seconds())
		s.Accept++
		s.PenaltySec += d.PenaltySec
	}
	s.Detail = effective
	return s
}

func (acmRule) Less(a, b domain.Summary) bool {
	if a.Accept != b.Accept {
		return a.Accept > b.Accept
	}
	return a.PenaltySec < b.PenaltySec
}
