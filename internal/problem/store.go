package problem

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
)

// Store is the slim problem collaborator the judging core consumes:
// metadata lookup, counters, and the per-user status used to detect a
// first acceptance. Problem authoring lives outside the core.
type Store struct {
	db *pgxpool.Pool
}

type Config struct {
	DB *pgxpool.Pool
}

func NewStore(c Config) *Store {
	return &Store{db: c.DB}
}

const schema = `
CREATE TABLE IF NOT EXISTS problems (
	domain_id text NOT NULL,
	pid bigint NOT NULL,
	title text NOT NULL DEFAULT '',
	num_submit bigint NOT NULL DEFAULT 0,
	num_accept bigint NOT NULL DEFAULT 0,
	hidden boolean NOT NULL DEFAULT false,
	PRIMARY KEY (domain_id, pid)
);
CREATE TABLE IF NOT EXISTS problem_status (
	domain_id text NOT NULL,
	pid bigint NOT NULL,
	uid bigint NOT NULL,
	rid uuid,
	status int NOT NULL,
	PRIMARY KEY (domain_id, pid, uid)
);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("problem: migrate: %w", err)
	}
	return nil
}

type Problem struct {
	DomainID  string
	Pid       int64
	Title     string
	NumSubmit int64
	NumAccept int64
	Hidden    bool
}

func (s *Store) Get(ctx context.Context, domainID string, pid int64) (*Problem, error) {
	const stmt = `
SELECT domain_id, pid, title, num_submit, num_accept, hidden
FROM problems WHERE domain_id = $1 AND pid = $2;`

	var p Problem
	err := s.db.QueryRow(ctx, stmt, domainID, pid).Scan(&p.DomainID, &p.Pid,
		&p.Title, &p.NumSubmit, &p.NumAccept, &p.Hidden)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("problem not found: domain=%s pid=%d", domainID, pid))
	}
	if err != nil {
		return nil, fmt.Errorf("problem: get: %w", err)
	}
	return &p, nil
}

// Upsert creates or updates a problem's metadata. Counters are owned by
// the judging flow and never overwritten here.
func (s *Store) Upsert(ctx context.Context, p *Problem) error {
	const stmt = `
INSERT INTO problems (domain_id, pid, title, hidden)
VALUES ($1, $2, $3, $4)
ON CONFLICT (domain_id, pid) DO UPDATE
SET title = EXCLUDED.title, hidden = EXCLUDED.hidden;`

	if _, err := s.db.Exec(ctx, stmt, p.DomainID, p.Pid, p.Title, p.Hidden); err != nil {
		return fmt.Errorf("problem: upsert: %w", err)
	}
	return nil
}

// Counter names a problem-level counter.
type Counter string

const (
	CounterSubmit Counter = "num_submit"
	CounterAccept Counter = "num_accept"
)

var counters = map[Counter]struct{}{
	CounterSubmit: {},
	CounterAccept: {},
}

func (s *Store) Inc(ctx context.Context, domainID string, pid int64, counter Counter, delta int64) error {
	if _, ok := counters[counter]; !ok {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown problem counter: %q", counter))
	}

	stmt := fmt.Sprintf(
		`UPDATE problems SET %s = %s + $3 WHERE domain_id = $1 AND pid = $2;`,
		counter, counter)
	if _, err := s.db.Exec(ctx, stmt, domainID, pid, delta); err != nil {
		return fmt.Errorf("problem: inc %s: %w", counter, err)
	}
	return nil
}

// UpdateStatus records the user's judged status on the problem and reports
// whether this judgment is the user's first acceptance of it. Statuses
// only improve: accepted (the numerically smallest status) is never
// overwritten by a later rejection.
func (s *Store) UpdateStatus(ctx context.Context, domainID string, pid, uid int64, rid uuid.UUID, status domain.Status) (firstAccept bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("problem: begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	var prev *domain.Status
	err = tx.QueryRow(ctx, `
SELECT status FROM problem_status
WHERE domain_id = $1 AND pid = $2 AND uid = $3
FOR UPDATE;`, domainID, pid, uid).Scan(&prev)
	if err != nil && !stderrors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("problem: read status: %w", err)
	}

	if prev == nil || status < *prev {
		_, err = tx.Exec(ctx, `
INSERT INTO problem_status (domain_id, pid, uid, rid, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (domain_id, pid, uid) DO UPDATE SET rid = $4, status = $5;`,
			domainID, pid, uid, rid, status)
		if err != nil {
			return false, fmt.Errorf("problem: write status: %w", err)
		}

		firstAccept = status == domain.StatusAccepted &&
			(prev == nil || *prev != domain.StatusAccepted)
	}

	return firstAccept, tx.Commit(ctx)
}
