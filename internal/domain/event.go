package domain

// Bus event keys. Values are strings; structured payloads are JSON-encoded
// by the publisher.
const (
	EventKeyRecordChange      = "record_change"
	EventKeyBalloonChange     = "balloon_change"
	EventKeyProblemDataChange = "problem_data_change"
)

// BalloonChange is the payload published on EventKeyBalloonChange when a
// contest submission is first accepted.
type BalloonChange struct {
	Tid int64 `json:"tid"`
	Uid int64 `json:"uid"`
	Pid int64 `json:"pid"`
}

// ProblemDataChange is the payload published on EventKeyProblemDataChange
// so workers can invalidate cached test data for the problem.
type ProblemDataChange struct {
	DomainID string `json:"domain_id"`
	Pid      int64  `json:"pid"`
}
