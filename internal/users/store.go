package users

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
)

// Store is the user collaborator the judging core calls into: the judge
// user's "currently judging" indicator and per-domain user counters.
// Accounts themselves are managed elsewhere.
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
CREATE TABLE IF NOT EXISTS judge_status (
	uid bigint PRIMARY KEY,
	code int NOT NULL,
	rid uuid,
	update_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS domain_users (
	domain_id text NOT NULL,
	uid bigint NOT NULL,
	num_submit bigint NOT NULL DEFAULT 0,
	num_accept bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (domain_id, uid)
);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("users: migrate: %w", err)
	}
	return nil
}

// SetStatus updates the judge user's current-activity indicator shown on
// the judge playground.
func (s *Store) SetStatus(ctx context.Context, uid int64, code domain.Status, rid uuid.UUID) error {
	const stmt = `
INSERT INTO judge_status (uid, code, rid, update_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (uid) DO UPDATE SET code = $2, rid = $3, update_at = now();`

	if _, err := s.db.Exec(ctx, stmt, uid, code, rid); err != nil {
		return fmt.Errorf("users: set status: %w", err)
	}
	return nil
}

// Counter names a per-domain user counter.
type Counter string

const (
	CounterSubmit Counter = "num_submit"
	CounterAccept Counter = "num_accept"
)

var counters = map[Counter]struct{}{
	CounterSubmit: {},
	CounterAccept: {},
}

// IncDomainUser bumps a per-domain counter for the user, creating the row
// on first touch.
func (s *Store) IncDomainUser(ctx context.Context, domainID string, uid int64, counter Counter, delta int64) error {
	if _, ok := counters[counter]; !ok {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown domain user counter: %q", counter))
	}

	stmt := fmt.Sprintf(`
INSERT INTO domain_users (domain_id, uid, %s)
VALUES ($1, $2, $3)
ON CONFLICT (domain_id, uid) DO UPDATE SET %s = domain_users.%s + $3;`,
		counter, counter, counter)

	if _, err := s.db.Exec(ctx, stmt, domainID, uid, delta); err != nil {
		return fmt.Errorf("users: inc %s: %w", counter, err)
	}
	return nil
}
