package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Contest metadata, as far as the judging core needs it.
type Contest struct {
	ID       int64  `json:"id"`
	DomainID string `json:"domain_id"`
	Title    string `json:"title"`
	// Rule selects the scoring rule, "oi" or "acm".
	Rule    string    `json:"rule"`
	BeginAt time.Time `json:"begin_at"`
	EndAt   time.Time `json:"end_at"`
	// Pids is the contest's problem set. Journal entries for problems
	// outside this set do not count towards the summary.
	Pids []int64 `json:"pids"`
}

// JournalEntry is one judged outcome appended to a contestant's journal.
type JournalEntry struct {
	Rid    uuid.UUID       `json:"rid"`
	Pid    int64           `json:"pid"`
	Accept bool            `json:"accept"`
	Score  decimal.Decimal `json:"score"`
}

// ProblemDetail is the per-problem part of a rule-derived summary.
type ProblemDetail struct {
	Rid    uuid.UUID       `json:"rid"`
	Pid    int64           `json:"pid"`
	Accept bool            `json:"accept"`
	Score  decimal.Decimal `json:"score"`
	// Rejections counts failed attempts before the first acceptance
	// (accept/penalty rule only).
	Rejections int `json:"rejections"`
	// PenaltySec is elapsed time since contest begin plus the rejection
	// penalty, in seconds (accept/penalty rule only, accepted problems).
	PenaltySec int64 `json:"penalty_sec"`
}

// Summary is the ranking-relevant aggregate derived from a journal.
type Summary struct {
	// Score is the cumulative-rule total.
	Score decimal.Decimal `json:"score"`
	// Accept and PenaltySec are the accept/penalty-rule totals.
	Accept     int             `json:"accept"`
	PenaltySec int64           `json:"penalty_sec"`
	Detail     []ProblemDetail `json:"detail"`
}

// ContestStatus is the per-(contest, contestant) standing document.
// Rev guards read-modify-write cycles; every successful write bumps it.
type ContestStatus struct {
	Tid      int64          `json:"tid"`
	Uid      int64          `json:"uid"`
	Attend   bool           `json:"attend"`
	Journal  []JournalEntry `json:"journal,omitempty"`
	Summary  Summary        `json:"summary"`
	Rev      int64          `json:"-"`
	UpdateAt time.Time      `json:"update_at"`
}
