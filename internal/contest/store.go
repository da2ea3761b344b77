package contest

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
)

// Store persists contest metadata and per-contestant status documents.
type Store struct {
	db *pgxpool.Pool
}

type StoreConfig struct {
	DB *pgxpool.Pool
}

func NewStore(c StoreConfig) *Store {
	return &Store{db: c.DB}
}

const schema = `
CREATE TABLE IF NOT EXISTS contests (
	id bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	domain_id text NOT NULL,
	title text NOT NULL,
	rule text NOT NULL,
	begin_at timestamptz NOT NULL,
	end_at timestamptz NOT NULL,
	pids jsonb NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS contest_status (
	tid bigint NOT NULL,
	uid bigint NOT NULL,
	attend boolean NOT NULL DEFAULT false,
	journal jsonb NOT NULL DEFAULT '[]',
	summary jsonb NOT NULL DEFAULT '{}',
	rev bigint NOT NULL DEFAULT 0,
	update_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (tid, uid)
);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("contest: migrate: %w", err)
	}
	return nil
}

// CreateContest inserts contest metadata and returns its id. Validation of
// timing and rule happens here; richer contest administration lives
// outside the judging core.
func (s *Store) CreateContest(ctx context.Context, c *domain.Contest) (int64, error) {
	if _, err := RuleFor(c.Rule); err != nil {
		return 0, err
	}
	if !c.BeginAt.Before(c.EndAt) {
		return 0, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("contest must begin before it ends"))
	}

	const stmt = `
INSERT INTO contests (domain_id, title, rule, begin_at, end_at, pids)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id;`

	var id int64
	err := s.db.QueryRow(ctx, stmt, c.DomainID, c.Title, c.Rule,
		c.BeginAt, c.EndAt, c.Pids).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("contest: insert: %w", err)
	}
	return id, nil
}

func (s *Store) GetContest(ctx context.Context, tid int64) (*domain.Contest, error) {
	const stmt = `
SELECT id, domain_id, title, rule, begin_at, end_at, pids
FROM contests WHERE id = $1;`

	var c domain.Contest
	err := s.db.QueryRow(ctx, stmt, tid).Scan(&c.ID, &c.DomainID, &c.Title,
		&c.Rule, &c.BeginAt, &c.EndAt, &c.Pids)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("contest not found: tid=%d", tid))
	}
	if err != nil {
		return nil, fmt.Errorf("contest: get: %w", err)
	}
	return &c, nil
}

// Attend creates the contestant's status document. Attending twice is an
// already-exists error.
func (s *Store) Attend(ctx context.Context, tid, uid int64) error {
	const stmt = `
INSERT INTO contest_status (tid, uid, attend)
VALUES ($1, $2, true)
ON CONFLICT (tid, uid) DO UPDATE SET attend = true
WHERE contest_status.attend = false;`

	tag, err := s.db.Exec(ctx, stmt, tid, uid)
	if err != nil {
		return fmt.Errorf("contest: attend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("already attended: tid=%d uid=%d", tid, uid))
	}
	return nil
}

func (s *Store) GetStatus(ctx context.Context, tid, uid int64) (*domain.ContestStatus, error) {
	const stmt = `
SELECT tid, uid, attend, journal, summary, rev, update_at
FROM contest_status WHERE tid = $1 AND uid = $2;`

	rows, err := s.db.Query(ctx, stmt, tid, uid)
	if err != nil {
		return nil, fmt.Errorf("contest: get status: %w", err)
	}

	st, err := pgx.CollectExactlyOneRow(rows, scanStatus)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("contest status not found: tid=%d uid=%d", tid, uid))
	}
	if err != nil {
		return nil, fmt.Errorf("contest: scan status: %w", err)
	}
	return &st, nil
}

// SaveStatus writes journal and summary guarded by the revision read in
// the same cycle; a concurrent writer surfaces as failed-precondition.
func (s *Store) SaveStatus(ctx context.Context, st *domain.ContestStatus, expectRev int64) error {
	const stmt = `
UPDATE contest_status
SET journal = $3, summary = $4, rev = rev + 1, update_at = now()
WHERE tid = $1 AND uid = $2 AND rev = $5;`

	tag, err := s.db.Exec(ctx, stmt, st.Tid, st.Uid, st.Journal, st.Summary, expectRev)
	if err != nil {
		return fmt.Errorf("contest: save status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("stale status revision: tid=%d uid=%d rev=%d", st.Tid, st.Uid, expectRev))
	}
	st.Rev = expectRev + 1
	st.UpdateAt = time.Now()
	return nil
}

// ListStatus returns every attended contestant's status for the contest,
// in no particular order. Ranking order is the engine's business.
func (s *Store) ListStatus(ctx context.Context, tid int64) ([]domain.ContestStatus, error) {
	const stmt = `
SELECT tid, uid, attend, journal, summary, rev, update_at
FROM contest_status WHERE tid = $1 AND attend = true;`

	rows, err := s.db.Query(ctx, stmt, tid)
	if err != nil {
		return nil, fmt.Errorf("contest: list status: %w", err)
	}

	statuses, err := pgx.CollectRows(rows, scanStatus)
	if err != nil {
		return nil, fmt.Errorf("contest: list status: %w", err)
	}
	return statuses, nil
}

func scanStatus(row pgx.CollectableRow) (domain.ContestStatus, error) {
	var st domain.ContestStatus
	err := row.Scan(&st.Tid, &st.Uid, &st.Attend, &st.Journal, &st.Summary,
		&st.Rev, &st.UpdateAt)
	return st, err
}
