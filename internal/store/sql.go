package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gowq/pkg/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLStore)(nil)

// SQLStore implements Store over database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	queries
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to the database named by driver ("sqlite" or "postgres")
// and dsn. For SQLite use ":memory:" for an in-memory database.
func Open(driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}

	if d.name == "sqlite" {
		// One connection: an in-memory database exists per connection and
		// SQLite serializes writers anyway.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	} else if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	return &SQLStore{
		queries: queries{db: db, d: d},
		db:      db,
		logger:  logger.With("component", "store", "dialect", d.name),
	}, nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	return Open("sqlite", dbPath, logger)
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- WorkItem CRUD ---

func (s *SQLStore) CreateWorkItem(ctx context.Context, w *model.WorkItem) error {
	s.logger.Debug("sql", "op", "insert", "table", "work_items", "id", w.ID)
	return s.insertWorkItem(ctx, w)
}

func (s *SQLStore) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "select", "table", "work_items", "id", id)
	return s.queries.GetWorkItem(ctx, id)
}

func (s *SQLStore) UpdateWorkItem(ctx context.Context, w *model.WorkItem) error {
	s.logger.Debug("sql", "op", "update", "table", "work_items", "id", w.ID)
	return s.queries.UpdateWorkItem(ctx, w)
}

func (s *SQLStore) DeleteWorkItem(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "work_items", "id", id)
	return s.queries.DeleteWorkItem(ctx, id)
}

func (s *SQLStore) ListWorkItems(ctx context.Context, f model.WorkItemFilter) ([]*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "list", "table", "work_items", "job_id", f.JobID, "type", f.Type)
	return s.listWorkItems(ctx, f)
}

// --- Scheduling ---

// ReadyWorkItems returns the projected candidates matching the readiness
// predicate, oldest first.
func (s *SQLStore) ReadyWorkItems(ctx context.Context, q ReadyQuery) ([]model.Candidate, error) {
	s.logger.Debug("sql", "op", "ready", "table", "work_items", "host", q.Host)

	query := `SELECT id, name, type, host, phase, dependent_phase, hold, job_id, created_at
		FROM work_items
		WHERE completed_at IS NULL AND launched_at IS NULL
		  AND (launch_after IS NULL OR launch_after <= ?)`
	args := []any{formatTime(q.Now)}
	if q.Host != "" {
		query += ` AND (host = ? OR host = '')`
		args = append(args, q.Host)
	}
	if q.After != nil {
		after := formatTime(q.After.CreatedAt)
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, after, after, q.After.ID)
	}
	query += ` ORDER BY created_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		var hold int
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.Host, &c.Phase, &c.DependentPhase, &hold, &c.JobID, &createdAt); err != nil {
			return nil, err
		}
		c.Hold = hold != 0
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimWorkItem atomically sets the launch marker and host on an item that
// is neither launched nor completed. It returns ErrClaimConflict when the
// conditional update matched no row.
func (s *SQLStore) ClaimWorkItem(ctx context.Context, id, host string, now time.Time) error {
	s.logger.Debug("sql", "op", "claim", "table", "work_items", "id", id, "host", host)

	res, err := s.exec(ctx,
		`UPDATE work_items SET launched_at = ?, host = ?, launch_after = NULL
		 WHERE id = ? AND launched_at IS NULL AND completed_at IS NULL`,
		formatTime(now), host, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrClaimConflict
	}
	return nil
}

// UnclaimWorkItem clears the launch marker of an incomplete item and
// restores its host affinity.
func (s *SQLStore) UnclaimWorkItem(ctx context.Context, id, host string) error {
	s.logger.Debug("sql", "op", "unclaim", "table", "work_items", "id", id)
	_, err := s.exec(ctx,
		`UPDATE work_items SET launched_at = NULL, live = 0, host = ?
		 WHERE id = ? AND completed_at IS NULL`, host, id)
	return err
}

func (s *SQLStore) SetLive(ctx context.Context, id string, live bool) error {
	s.logger.Debug("sql", "op", "set_live", "table", "work_items", "id", id, "live", live)
	_, err := s.exec(ctx, `UPDATE work_items SET live = ? WHERE id = ?`, boolInt(live), id)
	return err
}

// SaveState persists executor checkpoint data on the item.
func (s *SQLStore) SaveState(ctx context.Context, id string, state map[string]any) error {
	s.logger.Debug("sql", "op", "save_state", "table", "work_items", "id", id)
	stateJSON, err := marshalJSON(state, "{}")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.exec(ctx, `UPDATE work_items SET state = ? WHERE id = ?`, stateJSON, id)
	return err
}

// OrphanedWorkItems returns items claimed by host that never completed.
func (s *SQLStore) OrphanedWorkItems(ctx context.Context, host string) ([]*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "orphans", "table", "work_items", "host", host)
	return s.collectWorkItems(ctx,
		`SELECT `+workItemColumns+` FROM work_items
		 WHERE host = ? AND launched_at IS NOT NULL AND completed_at IS NULL
		 ORDER BY created_at, id`, host)
}

// PhaseMembers returns the prerequisite rows for an item of jobID. A
// positive dependentPhase selects that phase; DependentPhaseSelf selects
// every lower phase than phase.
func (s *SQLStore) PhaseMembers(ctx context.Context, jobID, excludeID string, dependentPhase, phase int) ([]model.PhaseMember, error) {
	s.logger.Debug("sql", "op", "phase_members", "table", "work_items", "job_id", jobID, "dependent_phase", dependentPhase)

	query := `SELECT id, phase, completed_at, status FROM work_items WHERE job_id = ? AND id <> ?`
	args := []any{jobID, excludeID}
	switch {
	case dependentPhase > 0:
		query += ` AND phase = ?`
		args = append(args, dependentPhase)
	case dependentPhase == model.DependentPhaseSelf:
		query += ` AND phase < ?`
		args = append(args, phase)
	default:
		return nil, nil
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PhaseMember
	for rows.Next() {
		var m model.PhaseMember
		var completedAt sql.NullString
		var status string
		if err := rows.Scan(&m.ID, &m.Phase, &completedAt, &status); err != nil {
			return nil, err
		}
		m.CompletedAt = parseNullTime(completedAt)
		m.Status = model.CompletionStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

// TerminateUnlaunched marks a never-launched item Terminated. It reports
// false when the item was claimed or completed concurrently.
func (s *SQLStore) TerminateUnlaunched(ctx context.Context, id string, now time.Time, msg string) (bool, error) {
	s.logger.Debug("sql", "op", "terminate_unlaunched", "table", "work_items", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := queries{db: tx, d: s.d}
	w, err := q.GetWorkItem(ctx, id)
	if err != nil {
		return false, err
	}
	w.AddMessage(model.MessageWarn, msg)
	messagesJSON, err := marshalJSON(w.Messages, "[]")
	if err != nil {
		return false, err
	}

	res, err := q.exec(ctx,
		`UPDATE work_items SET completed_at = ?, status = ?, messages = ?
		 WHERE id = ? AND launched_at IS NULL AND completed_at IS NULL`,
		formatTime(now), string(model.StatusTerminated), messagesJSON, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	return true, tx.Commit()
}

// DeleteExpired removes preserved items whose expiration has passed.
func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.logger.Debug("sql", "op", "delete_expired", "table", "work_items")
	res, err := s.exec(ctx,
		`DELETE FROM work_items WHERE expiration IS NOT NULL AND expiration <= ?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Jobs ---

// CreateJob inserts the job root, its partitions and the given items in
// one transaction.
func (s *SQLStore) CreateJob(ctx context.Context, job *model.Job, items []*model.WorkItem) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID, "items", len(items))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := queries{db: tx, d: s.d}
	if err := q.insertJob(ctx, job); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for _, p := range job.Partitions {
		if err := q.upsertPartition(ctx, job.ID, p); err != nil {
			return fmt.Errorf("insert partition %s: %w", p.Name, err)
		}
	}
	for _, w := range items {
		if err := q.insertWorkItem(ctx, w); err != nil {
			return fmt.Errorf("insert work item %s: %w", w.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)
	return s.getJob(ctx, id)
}

// UpsertPartition writes one partition row without locking the job root.
func (s *SQLStore) UpsertPartition(ctx context.Context, jobID string, p *model.PartitionResult) error {
	s.logger.Debug("sql", "op", "upsert", "table", "partitions", "job_id", jobID, "name", p.Name)
	return s.upsertPartition(ctx, jobID, p)
}

// UnfinalizedJobs returns the ids of completed jobs whose finalizer has not
// succeeded and whose finalization lease is absent or older than leaseBefore.
func (s *SQLStore) UnfinalizedJobs(ctx context.Context, leaseBefore time.Time) ([]string, error) {
	s.logger.Debug("sql", "op", "unfinalized", "table", "jobs")
	rows, err := s.query(ctx,
		`SELECT id FROM jobs
		 WHERE completed_at IS NOT NULL AND finalized_at IS NULL
		   AND (finalizing_at IS NULL OR finalizing_at <= ?)
		 ORDER BY completed_at, id`, formatTime(leaseBefore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WithJobLock locks the job root, re-reads it, and calls fn with the fresh
// copy. When fn returns nil the root and every changed partition are
// written and the transaction commits; otherwise everything rolls back.
func (s *SQLStore) WithJobLock(ctx context.Context, jobID string, fn func(tx JobTx, job *model.Job) error) error {
	s.logger.Debug("sql", "op", "lock", "table", "jobs", "id", jobID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := queries{db: tx, d: s.d}
	res, err := q.exec(ctx, s.d.lockJob, jobID)
	if err != nil {
		return fmt.Errorf("lock job %s: %w", jobID, err)
	}
	if s.d.name == "sqlite" {
		if err := expectRow(res, "job", jobID); err != nil {
			return err
		}
	}

	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	before, err := snapshotPartitions(job)
	if err != nil {
		return err
	}

	if err := fn(q, job); err != nil {
		return err
	}

	job.UpdatedAt = time.Now().UTC()
	if err := q.updateJob(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	after, err := snapshotPartitions(job)
	if err != nil {
		return err
	}
	for name, data := range after {
		if prev, ok := before[name]; ok && bytes.Equal(prev, data) {
			continue
		}
		p := job.Partitions[name]
		p.UpdatedAt = job.UpdatedAt
		if err := q.upsertPartition(ctx, jobID, p); err != nil {
			return fmt.Errorf("upsert partition %s: %w", name, err)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			if err := q.deletePartition(ctx, jobID, name); err != nil {
				return fmt.Errorf("delete partition %s: %w", name, err)
			}
		}
	}
	return tx.Commit()
}

func snapshotPartitions(job *model.Job) (map[string][]byte, error) {
	out := make(map[string][]byte, len(job.Partitions))
	for name, p := range job.Partitions {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("snapshot partition %s: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}
