package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status of a record. Note that accepted < all other terminal statuses,
// so "best status" comparisons can use numeric order.
type Status int32

const (
	StatusWaiting             Status = 0
	StatusAccepted            Status = 1
	StatusWrongAnswer         Status = 2
	StatusTimeLimitExceeded   Status = 3
	StatusMemoryLimitExceeded Status = 4
	StatusOutputLimitExceeded Status = 5
	StatusRuntimeError        Status = 6
	StatusCompileError        Status = 7
	StatusSystemError         Status = 8
	StatusCancelled           Status = 9
	StatusEtc                 Status = 10

	StatusJudging   Status = 20
	StatusCompiling Status = 21
	StatusFetched   Status = 22

	StatusIgnored Status = 30
)

var statusTexts = map[Status]string{
	StatusWaiting:             "Waiting",
	StatusAccepted:            "Accepted",
	StatusWrongAnswer:         "Wrong Answer",
	StatusTimeLimitExceeded:   "Time Exceeded",
	StatusMemoryLimitExceeded: "Memory Exceeded",
	StatusOutputLimitExceeded: "Output Exceeded",
	StatusRuntimeError:        "Runtime Error",
	StatusCompileError:        "Compile Error",
	StatusSystemError:         "System Error",
	StatusCancelled:           "Cancelled",
	StatusEtc:                 "Unknown Error",
	StatusJudging:             "Running",
	StatusCompiling:           "Compiling",
	StatusFetched:             "Fetched",
	StatusIgnored:             "Ignored",
}

func (s Status) String() string {
	if t, ok := statusTexts[s]; ok {
		return t
	}
	return "Unknown"
}

// Terminal reports whether s is a final judgment, i.e. the record is no
// longer waiting for or undergoing judging.
func (s Status) Terminal() bool {
	switch s {
	case StatusWaiting, StatusJudging, StatusCompiling, StatusFetched:
		return false
	}
	return true
}

// Kind of a record.
type Kind int32

const (
	KindSubmission Kind = 0
	KindPretest    Kind = 1
)

// Record is one submission or pretest run and its judging state.
// The UUIDv7 id doubles as an approximate creation-timestamp source.
type Record struct {
	ID       uuid.UUID `json:"id"`
	DomainID string    `json:"domain_id"`
	Pid      int64     `json:"pid"`
	Uid      int64     `json:"uid"`
	// Tid is the contest the submission belongs to, if any.
	Tid    *int64 `json:"tid,omitempty"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	Lang string `json:"lang"`
	Code string `json:"code"`

	TimeMs   int64 `json:"time_ms"`
	MemoryKB int64 `json:"memory_kb"`
	// Score is the worker-reported score for cumulative-rule contests,
	// zero otherwise.
	Score decimal.Decimal `json:"score"`

	// Judging-only fields. Populated between claim and terminal judgment,
	// empty otherwise.
	Cases         []Case   `json:"cases"`
	CompilerTexts []string `json:"compiler_texts"`
	JudgeTexts    []string `json:"judge_texts"`
	Progress      float64  `json:"progress"`

	// JudgeUid identifies the worker currently holding the claim.
	JudgeUid *int64     `json:"judge_uid,omitempty"`
	JudgeAt  *time.Time `json:"judge_at,omitempty"`

	Rejudged bool `json:"rejudged"`
	Hidden   bool `json:"hidden"`
}

// Case is the result of a single judged test case.
type Case struct {
	Status    Status `json:"status"`
	TimeMs    int64  `json:"time_ms"`
	MemoryKB  int64  `json:"memory_kb"`
	JudgeText string `json:"judge_text"`
}

// SubmitTime derives the record's creation time from its UUIDv7 id.
func (r *Record) SubmitTime() time.Time {
	sec, nsec := r.ID.Time().UnixTime()
	return time.Unix(sec, nsec)
}
