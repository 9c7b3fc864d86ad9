package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence contract the queue requires. Implementations must
// make Transition atomic with respect to the from-state guard.
type Store interface {
	Insert(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// FindActive returns a queued or running job with the given owner and
	// dedupe key, or nil.
	FindActive(ctx context.Context, ownerID, dedupeKey string) (*Job, error)
	// CountActive counts queued plus running jobs.
	CountActive(ctx context.Context) (int, error)
	List(ctx context.Context, ownerID string, state *State) ([]*Job, error)
	// Transition moves a job from one state to another. It returns false
	// without error when the job is no longer in the from state.
	Transition(ctx context.Context, id string, from, to State, result []byte, jobErr *string) (bool, error)
	// ClaimNext atomically marks the oldest queued job running and returns
	// it, or nil when nothing is queued.
	ClaimNext(ctx context.Context) (*Job, error)
}

// SQLiteStore implements Store over the jobs table bootstrapped by the
// storage package.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const jobColumns = "id, type, owner_id, state, dedupe_key, payload, result, error, created_at, updated_at"

func (s *SQLiteStore) Insert(ctx context.Context, j *Job) error {
	var payload, result any
	if len(j.Payload) > 0 {
		payload = string(j.Payload)
	}
	if len(j.Result) > 0 {
		result = string(j.Result)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(`+jobColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, j.ID, j.Type, j.OwnerID, j.State, j.DedupeKey, payload, result, j.Error,
		j.CreatedAt.UTC().Format(time.RFC3339Nano), j.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?;", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) FindActive(ctx context.Context, ownerID, dedupeKey string) (*Job, error) {
	if dedupeKey == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE owner_id = ? AND dedupe_key = ? AND state IN (?, ?)
ORDER BY created_at ASC
LIMIT 1;
`, ownerID, dedupeKey, StateQueued, StateRunning)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE state IN (?, ?);", StateQueued, StateRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) List(ctx context.Context, ownerID string, state *State) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	args := []any{}
	if ownerID != "" {
		query += " AND owner_id = ?"
		args = append(args, ownerID)
	}
	if state != nil {
		query += " AND state = ?"
		args = append(args, *state)
	}
	query += " ORDER BY created_at ASC, rowid ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to State, result []byte, jobErr *string) (bool, error) {
	var resultVal any
	if len(result) > 0 {
		resultVal = string(result)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET state = ?, result = COALESCE(?, result), error = ?, updated_at = ?
WHERE id = ? AND state = ?;
`, to, resultVal, jobErr, now, id, from)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ClaimNext(ctx context.Context) (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM jobs
  WHERE state = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE jobs
SET state = ?, updated_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StateQueued, StateRunning, now)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		stateS     string
		payload    sql.NullString
		result     sql.NullString
		jobErr     sql.NullString
		createdAtS string
		updatedAtS string
	)
	err := row.Scan(&j.ID, &j.Type, &j.OwnerID, &stateS, &j.DedupeKey,
		&payload, &result, &jobErr, &createdAtS, &updatedAtS)
	if err != nil {
		return nil, err
	}

	j.State = State(stateS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	if jobErr.Valid {
		j.Error = &jobErr.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		j.UpdatedAt = t
	}
	return &j, nil
}
