// Package sqlstore implements jobstore.Store and catalog.Catalog on SQLite.
//
// Every state transition runs in an immediate write transaction, so the
// compare-and-swap checks and the fan-in zero crossing are decided by SQLite
// itself. Job records are stored as JSON next to the columns the scheduler
// queries on.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/pkg/types"

	_ "modernc.org/sqlite"
)

var log = slog.Default()

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ jobstore.Store = (*Store)(nil)

// Open opens (or creates) the SQLite database and initializes the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	log.Info("SQLite job store opened", "path", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		body       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		build_id   TEXT NOT NULL REFERENCES builds(id),
		status     TEXT NOT NULL CHECK (status IN ('pending','dispatched','succeeded','failed','exhausted','cancelled','skipped')),
		attempt    INTEGER NOT NULL DEFAULT 0,
		not_before INTEGER NOT NULL DEFAULT 0,
		deadline   INTEGER,
		body       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_build ON jobs(build_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, not_before);

	CREATE TABLE IF NOT EXISTS counters (
		key        TEXT PRIMARY KEY,
		build_id   TEXT NOT NULL REFERENCES builds(id),
		initial    INTEGER NOT NULL,
		remaining  INTEGER NOT NULL,
		downstream TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS counter_members (
		key    TEXT NOT NULL REFERENCES counters(key),
		member TEXT NOT NULL,
		PRIMARY KEY (key, member)
	);

	CREATE TABLE IF NOT EXISTS catalog (
		cube         TEXT NOT NULL,
		tile         TEXT NOT NULL,
		published_at INTEGER NOT NULL,
		body         TEXT NOT NULL,
		PRIMARY KEY (cube, tile)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// inTx runs fn in a write transaction, retrying transient contention errors.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnContention(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ---------------------------------------------------------------------------
// Builds
// ---------------------------------------------------------------------------

// CreateBuild inserts the build, its jobs and counters in one transaction.
func (s *Store) CreateBuild(ctx context.Context, build *types.Build, jobs []*types.Job, counters []*types.FanInCounter) error {
	now := s.now().UnixMilli()
	b := *build
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	body, err := json.Marshal(&b)
	if err != nil {
		return fmt.Errorf("failed to encode build: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM builds WHERE id = ?`, b.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", jobstore.ErrDuplicateBuild, b.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO builds (id, created_at, body) VALUES (?, ?, ?)`, b.ID, b.CreatedAt, string(body)); err != nil {
			return err
		}

		for _, j := range jobs {
			c := j.Clone()
			c.Status = types.StatusPending
			c.CreatedAt = now
			c.UpdatedAt = now
			if err := insertJob(ctx, tx, c); err != nil {
				return fmt.Errorf("failed to insert job %s: %w", c.ID, err)
			}
		}

		for _, c := range counters {
			downstream, err := json.Marshal(c.Downstream)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO counters (key, build_id, initial, remaining, downstream) VALUES (?, ?, ?, ?, ?)`,
				c.Key, c.Build, c.Initial, c.Initial, string(downstream)); err != nil {
				return fmt.Errorf("failed to insert counter %s: %w", c.Key, err)
			}
		}
		return nil
	})
}

// GetBuild retrieves a build by ID.
func (s *Store) GetBuild(ctx context.Context, id types.BuildID) (*types.Build, error) {
	return getBuild(ctx, s.db, id)
}

func getBuild(ctx context.Context, q querier, id types.BuildID) (*types.Build, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM builds WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: build %s", jobstore.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var b types.Build
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return nil, fmt.Errorf("failed to decode build %s: %w", id, err)
	}
	return &b, nil
}

// ListBuilds returns every build ordered by creation time.
func (s *Store) ListBuilds(ctx context.Context) ([]*types.Build, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM builds ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Build
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var b types.Build
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, fmt.Errorf("failed to decode build: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// Cancel marks the build cancelled and cancels its non-terminal jobs.
func (s *Store) Cancel(ctx context.Context, id types.BuildID) ([]types.JobID, error) {
	var cancelled []types.JobID
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cancelled = nil
		b, err := getBuild(ctx, tx, id)
		if err != nil {
			return err
		}
		b.Cancelled = true
		body, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE builds SET body = ? WHERE id = ?`, string(body), id); err != nil {
			return err
		}

		jobs, err := queryJobs(ctx, tx, `SELECT body FROM jobs WHERE build_id = ? ORDER BY id`, id)
		if err != nil {
			return err
		}
		now := s.now()
		for _, j := range jobs {
			prev := j.Status
			if !jobstore.ApplyCancel(j, now) {
				continue
			}
			if err := updateJob(ctx, tx, j, prev, j.Attempt); err != nil {
				return err
			}
			cancelled = append(cancelled, j.ID)
		}
		return nil
	})
	return cancelled, err
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func insertJob(ctx context.Context, tx *sql.Tx, j *types.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, build_id, status, attempt, not_before, deadline, body) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Build, j.Status, j.Attempt, j.NotBefore, deadlineArg(j), string(body))
	return err
}

// updateJob writes j back only if the row still holds (prevStatus, prevAttempt).
func updateJob(ctx context.Context, tx *sql.Tx, j *types.Job, prevStatus types.JobStatus, prevAttempt int) error {
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempt = ?, not_before = ?, deadline = ?, body = ?
		 WHERE id = ? AND status = ? AND attempt = ?`,
		j.Status, j.Attempt, j.NotBefore, deadlineArg(j), string(body),
		j.ID, prevStatus, prevAttempt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s changed concurrently", jobstore.ErrStale, j.ID)
	}
	return nil
}

func deadlineArg(j *types.Job) sql.NullInt64 {
	if j.Deadline == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *j.Deadline, Valid: true}
}

func getJob(ctx context.Context, q querier, id types.JobID) (*types.Job, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM jobs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", jobstore.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var j types.Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &j, nil
}

func queryJobs(ctx context.Context, q querier, query string, args ...any) ([]*types.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var j types.Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	return getJob(ctx, s.db, id)
}

// ListJobs returns the build's jobs ordered by ID.
func (s *Store) ListJobs(ctx context.Context, build types.BuildID) ([]*types.Job, error) {
	if _, err := s.GetBuild(ctx, build); err != nil {
		return nil, err
	}
	return queryJobs(ctx, s.db, `SELECT body FROM jobs WHERE build_id = ? ORDER BY id`, build)
}

// Dispatch moves a Pending or Failed job to Dispatched once its guard is zero.
func (s *Store) Dispatch(ctx context.Context, id types.JobID, deadline time.Time) (*types.Job, error) {
	var out *types.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		var guard *types.FanInCounter
		if j.Guard != "" {
			guard, err = getCounter(ctx, tx, j.Guard, false)
			if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
				return err
			}
		}
		prevStatus, prevAttempt := j.Status, j.Attempt
		if err := jobstore.ApplyDispatch(j, guard, deadline, s.now()); err != nil {
			return err
		}
		if err := updateJob(ctx, tx, j, prevStatus, prevAttempt); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// Complete records the outcome of (id, attempt).
func (s *Store) Complete(ctx context.Context, id types.JobID, attempt int, outcome jobstore.Outcome) (*types.Job, error) {
	var out *types.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		prevStatus, prevAttempt := j.Status, j.Attempt
		if err := jobstore.ApplyComplete(j, attempt, outcome, s.now()); err != nil {
			return err
		}
		if err := updateJob(ctx, tx, j, prevStatus, prevAttempt); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// MarkSkipped moves Pending jobs to Skipped.
func (s *Store) MarkSkipped(ctx context.Context, ids []types.JobID) ([]types.JobID, error) {
	var skipped []types.JobID
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		skipped = nil
		now := s.now()
		for _, id := range ids {
			j, err := getJob(ctx, tx, id)
			if err != nil {
				return err
			}
			prev := j.Status
			if !jobstore.ApplySkip(j, now) {
				continue
			}
			if err := updateJob(ctx, tx, j, prev, j.Attempt); err != nil {
				return err
			}
			skipped = append(skipped, id)
		}
		return nil
	})
	return skipped, err
}

// DueJobs returns Failed jobs whose backoff has elapsed.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return queryJobs(ctx, s.db,
		`SELECT body FROM jobs WHERE status = ? AND not_before <= ? ORDER BY id`,
		types.StatusFailed, now.UnixMilli())
}

// ExpiredJobs returns Dispatched jobs past their deadline.
func (s *Store) ExpiredJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return queryJobs(ctx, s.db,
		`SELECT body FROM jobs WHERE status = ? AND deadline IS NOT NULL AND deadline < ? ORDER BY id`,
		types.StatusDispatched, now.UnixMilli())
}

// ---------------------------------------------------------------------------
// Fan-in counters
// ---------------------------------------------------------------------------

// Decrement records member once and decrements the counter. The transaction
// that brings remaining to zero is the only one reporting fired.
func (s *Store) Decrement(ctx context.Context, key types.CounterKey, member types.JobID) (int, bool, error) {
	var remaining int
	var fired bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		fired = false
		err := tx.QueryRowContext(ctx, `SELECT remaining FROM counters WHERE key = ?`, key).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: counter %s", jobstore.ErrNotFound, key)
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO counter_members (key, member) VALUES (?, ?)`, key, member)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		if err := tx.QueryRowContext(ctx,
			`UPDATE counters SET remaining = remaining - 1 WHERE key = ? RETURNING remaining`, key,
		).Scan(&remaining); err != nil {
			return err
		}
		fired = remaining == 0
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return remaining, fired, nil
}

// GetCounter returns the counter with its applied members.
func (s *Store) GetCounter(ctx context.Context, key types.CounterKey) (*types.FanInCounter, error) {
	return getCounter(ctx, s.db, key, true)
}

func getCounter(ctx context.Context, q querier, key types.CounterKey, withMembers bool) (*types.FanInCounter, error) {
	c := &types.FanInCounter{Key: key}
	var downstream string
	err := q.QueryRowContext(ctx,
		`SELECT build_id, initial, remaining, downstream FROM counters WHERE key = ?`, key,
	).Scan(&c.Build, &c.Initial, &c.Remaining, &downstream)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: counter %s", jobstore.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(downstream), &c.Downstream); err != nil {
		return nil, fmt.Errorf("failed to decode counter %s: %w", key, err)
	}
	if !withMembers {
		return c, nil
	}

	rows, err := q.QueryContext(ctx, `SELECT member FROM counter_members WHERE key = ? ORDER BY rowid`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m types.JobID
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		c.Applied = append(c.Applied, m)
	}
	return c, rows.Err()
}
