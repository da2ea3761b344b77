package record

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
)

// Store is the durable home of submission/pretest records and their
// mutable judging state. All mutations are single-row compare/update
// statements; appends go through jsonb concatenation so concurrent
// appends both survive.
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
CREATE TABLE IF NOT EXISTS records (
	id uuid PRIMARY KEY,
	domain_id text NOT NULL,
	pid bigint NOT NULL,
	uid bigint NOT NULL,
	tid bigint,
	kind int NOT NULL,
	status int NOT NULL,
	lang text NOT NULL,
	code text NOT NULL,
	time_ms bigint NOT NULL DEFAULT 0,
	memory_kb bigint NOT NULL DEFAULT 0,
	score numeric NOT NULL DEFAULT 0,
	cases jsonb NOT NULL DEFAULT '[]',
	compiler_texts jsonb NOT NULL DEFAULT '[]',
	judge_texts jsonb NOT NULL DEFAULT '[]',
	progress double precision NOT NULL DEFAULT 0,
	judge_uid bigint,
	judge_at timestamptz,
	rejudged boolean NOT NULL DEFAULT false,
	hidden boolean NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS records_hidden_id ON records (hidden, id DESC);
CREATE INDEX IF NOT EXISTS records_problem ON records (domain_id, pid, uid, id DESC);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("record: migrate: %w", err)
	}
	return nil
}

const recordCols = `id, domain_id, pid, uid, tid, kind, status, lang, code,
	time_ms, memory_kb, score, cases, compiler_texts, judge_texts, progress,
	judge_uid, judge_at, rejudged, hidden`

func scanRecord(row pgx.CollectableRow) (domain.Record, error) {
	var r domain.Record
	err := row.Scan(&r.ID, &r.DomainID, &r.Pid, &r.Uid, &r.Tid, &r.Kind,
		&r.Status, &r.Lang, &r.Code, &r.TimeMs, &r.MemoryKB, &r.Score, &r.Cases,
		&r.CompilerTexts, &r.JudgeTexts, &r.Progress, &r.JudgeUid,
		&r.JudgeAt, &r.Rejudged, &r.Hidden)
	return r, err
}

type CreateRequest struct {
	DomainID string
	Pid      int64
	Uid      int64
	Tid      *int64
	Kind     domain.Kind
	Lang     string
	Code     string
	Hidden   bool
}

// Create inserts a new record in waiting state and returns its id.
// Enqueueing the judge job and announcing the change are the caller's
// responsibility.
func (s *Store) Create(ctx context.Context, req CreateRequest) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("record: generate id: %w", err)
	}

	const stmt = `
INSERT INTO records (id, domain_id, pid, uid, tid, kind, status, lang, code, hidden)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`

	_, err = s.db.Exec(ctx, stmt, id, req.DomainID, req.Pid, req.Uid, req.Tid,
		req.Kind, domain.StatusWaiting, req.Lang, strings.TrimSpace(req.Code), req.Hidden)
	if err != nil {
		return uuid.Nil, fmt.Errorf("record: insert: %w", err)
	}

	return id, nil
}

func (s *Store) Get(ctx context.Context, rid uuid.UUID) (*domain.Record, error) {
	rows, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM records WHERE id = $1;`, recordCols), rid)
	if err != nil {
		return nil, fmt.Errorf("record: get: %w", err)
	}

	return s.collectOne(rows, rid)
}

// ListRecent returns the newest records, newest first. Record ids are
// time-ordered, so ordering by id is ordering by submission time.
func (s *Store) ListRecent(ctx context.Context, limit int, withHidden bool) ([]domain.Record, error) {
	const stmt = `
SELECT %s FROM records
WHERE hidden = false OR $2
ORDER BY id DESC
LIMIT $1;`

	rows, err := s.db.Query(ctx, fmt.Sprintf(stmt, recordCols), limit, withHidden)
	if err != nil {
		return nil, fmt.Errorf("record: list: %w", err)
	}

	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("record: list: %w", err)
	}
	return records, nil
}

// BeginJudge atomically claims the record for the worker: sets the given
// status (conventionally fetched), stamps the worker id and claim time and
// resets the incremental judging fields. The only precondition is that the
// record still exists; a vanished record yields a not-found error the
// caller must treat as "nothing to judge". Claiming a record that is not
// waiting is allowed: broker redelivery after a worker crash legitimately
// re-claims a record still marked fetched.
func (s *Store) BeginJudge(ctx context.Context, rid uuid.UUID, judgeUid int64, status domain.Status) (*domain.Record, error) {
	stmt := fmt.Sprintf(`
UPDATE records
SET status = $2, judge_uid = $3, judge_at = now(),
	cases = '[]', compiler_texts = '[]', judge_texts = '[]', progress = 0
WHERE id = $1
RETURNING %s;`, recordCols)

	rows, err := s.db.Query(ctx, stmt, rid, status, judgeUid)
	if err != nil {
		return nil, fmt.Errorf("record: begin judge: %w", err)
	}

	return s.collectOne(rows, rid)
}

// Mutation is one incremental judging update. Set fields replace, push
// fields append.
type Mutation struct {
	Status       *domain.Status
	CompilerText *string
	JudgeText    *string
	Case         *domain.Case
	Progress     *float64
	Score        *decimal.Decimal
}

// NextJudge applies an incremental update while judgeUid still holds the
// claim and returns the updated record. A lost claim surfaces as a
// failed-precondition error.
func (s *Store) NextJudge(ctx context.Context, rid uuid.UUID, judgeUid int64, m Mutation) (*domain.Record, error) {
	var (
		sets []string
		args = []any{rid, judgeUid}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if m.Status != nil {
		sets = append(sets, "status = "+arg(*m.Status))
	}
	if m.CompilerText != nil {
		sets = append(sets, "compiler_texts = compiler_texts || to_jsonb("+arg(*m.CompilerText)+"::text)")
	}
	if m.JudgeText != nil {
		sets = append(sets, "judge_texts = judge_texts || to_jsonb("+arg(*m.JudgeText)+"::text)")
	}
	if m.Case != nil {
		b, err := json.Marshal(m.Case)
		if err != nil {
			return nil, fmt.Errorf("record: marshal case: %w", err)
		}
		sets = append(sets, "cases = cases || "+arg(b)+"::jsonb")
	}
	if m.Progress != nil {
		sets = append(sets, "progress = "+arg(*m.Progress))
	}
	if m.Score != nil {
		sets = append(sets, "score = "+arg(*m.Score))
	}
	if len(sets) == 0 {
		return s.Get(ctx, rid)
	}

	stmt := fmt.Sprintf(`
UPDATE records
SET %s
WHERE id = $1 AND judge_uid = $2
RETURNING %s;`, strings.Join(sets, ", "), recordCols)

	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("record: next judge: %w", err)
	}

	return s.collectClaimed(ctx, rows, rid)
}

// EndJudge writes the terminal status and resource usage and clears the
// in-flight progress, while judgeUid still holds the claim.
func (s *Store) EndJudge(ctx context.Context, rid uuid.UUID, judgeUid int64, status domain.Status, timeMs, memoryKB int64) (*domain.Record, error) {
	stmt := fmt.Sprintf(`
UPDATE records
SET status = $3, time_ms = $4, memory_kb = $5, progress = 0
WHERE id = $1 AND judge_uid = $2
RETURNING %s;`, recordCols)

	rows, err := s.db.Query(ctx, stmt, rid, judgeUid, status, timeMs, memoryKB)
	if err != nil {
		return nil, fmt.Errorf("record: end judge: %w", err)
	}

	return s.collectClaimed(ctx, rows, rid)
}

// Rejudge clears the judge assignment and every derived judging field,
// returns the record to waiting and marks it rejudged. Re-enqueueing and
// change notification are the caller's responsibility.
func (s *Store) Rejudge(ctx context.Context, rid uuid.UUID) (*domain.Record, error) {
	stmt := fmt.Sprintf(`
UPDATE records
SET status = $2, time_ms = 0, memory_kb = 0, score = 0,
	cases = '[]', compiler_texts = '[]', judge_texts = '[]', progress = 0,
	judge_uid = NULL, judge_at = NULL, rejudged = true
WHERE id = $1
RETURNING %s;`, recordCols)

	rows, err := s.db.Query(ctx, stmt, rid, domain.StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("record: rejudge: %w", err)
	}

	return s.collectOne(rows, rid)
}

func (s *Store) collectOne(rows pgx.Rows, rid uuid.UUID) (*domain.Record, error) {
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("record not found: rid=%s", rid))
	}
	if err != nil {
		return nil, fmt.Errorf("record: scan: %w", err)
	}
	return &r, nil
}

// collectClaimed distinguishes "record gone" from "claim lost to another
// worker" when a claim-guarded update matched no row.
func (s *Store) collectClaimed(ctx context.Context, rows pgx.Rows, rid uuid.UUID) (*domain.Record, error) {
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if stderrors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM records WHERE id = $1);`, rid).Scan(&exists); err == nil && exists {
			return nil, errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("claim lost: rid=%s", rid))
		}
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("record not found: rid=%s", rid))
	}
	if err != nil {
		return nil, fmt.Errorf("record: scan: %w", err)
	}
	return &r, nil
}
