package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/me/gowq/pkg/model"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the statements shared by the store and its transactions.
type queries struct {
	db dbtx
	d  dialect
}

func (q queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.d.rebind(query), args...)
}

func (q queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.d.rebind(query), args...)
}

func (q queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.d.rebind(query), args...)
}

const workItemColumns = `id, name, type, host, launch_after, launched_at, completed_at, status,
	phase, dependent_phase, hold, live, args, state, retry_count, restart_count, max_retries,
	job_id, messages, expiration, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*model.WorkItem, error) {
	var w model.WorkItem
	var launchAfter, launchedAt, completedAt, expiration sql.NullString
	var status, argsJSON, stateJSON, messagesJSON, createdAt string
	var hold, live int
	var maxRetries sql.NullInt64

	if err := row.Scan(&w.ID, &w.Name, &w.Type, &w.Host, &launchAfter, &launchedAt, &completedAt, &status,
		&w.Phase, &w.DependentPhase, &hold, &live, &argsJSON, &stateJSON, &w.RetryCount, &w.RestartCount, &maxRetries,
		&w.JobID, &messagesJSON, &expiration, &createdAt); err != nil {
		return nil, err
	}

	w.Status = model.CompletionStatus(status)
	w.Hold = hold != 0
	w.Live = live != 0
	w.LaunchAfter = parseNullTime(launchAfter)
	w.LaunchedAt = parseNullTime(launchedAt)
	w.CompletedAt = parseNullTime(completedAt)
	w.Expiration = parseNullTime(expiration)
	w.CreatedAt = parseTime(createdAt)
	if maxRetries.Valid {
		n := int(maxRetries.Int64)
		w.MaxRetries = &n
	}
	if err := json.Unmarshal([]byte(argsJSON), &w.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &w.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &w.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return &w, nil
}

func workItemValues(w *model.WorkItem) ([]any, error) {
	argsJSON, err := marshalJSON(w.Args, "{}")
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	stateJSON, err := marshalJSON(w.State, "{}")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	messagesJSON, err := marshalJSON(w.Messages, "[]")
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	var maxRetries any
	if w.MaxRetries != nil {
		maxRetries = *w.MaxRetries
	}
	return []any{
		w.Name, w.Type, w.Host, nullTime(w.LaunchAfter), nullTime(w.LaunchedAt), nullTime(w.CompletedAt), string(w.Status),
		w.Phase, w.DependentPhase, boolInt(w.Hold), boolInt(w.Live), argsJSON, stateJSON, w.RetryCount, w.RestartCount, maxRetries,
		w.JobID, messagesJSON, nullTime(w.Expiration), formatTime(w.CreatedAt),
	}, nil
}

func (q queries) insertWorkItem(ctx context.Context, w *model.WorkItem) error {
	vals, err := workItemValues(w)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx,
		`INSERT INTO work_items (`+workItemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{w.ID}, vals...)...,
	)
	return err
}

func (q queries) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	w, err := scanWorkItem(q.queryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return w, err
}

func (q queries) UpdateWorkItem(ctx context.Context, w *model.WorkItem) error {
	vals, err := workItemValues(w)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx,
		`UPDATE work_items SET name = ?, type = ?, host = ?, launch_after = ?, launched_at = ?, completed_at = ?, status = ?,
		 phase = ?, dependent_phase = ?, hold = ?, live = ?, args = ?, state = ?, retry_count = ?, restart_count = ?, max_retries = ?,
		 job_id = ?, messages = ?, expiration = ?, created_at = ?
		 WHERE id = ?`,
		append(vals, w.ID)...,
	)
	if err != nil {
		return err
	}
	return expectRow(res, "work item", w.ID)
}

func (q queries) DeleteWorkItem(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM work_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "work item", id)
}

func (q queries) WorkItemsForJob(ctx context.Context, jobID string) ([]*model.WorkItem, error) {
	return q.listWorkItems(ctx, model.WorkItemFilter{JobID: jobID})
}

func (q queries) listWorkItems(ctx context.Context, f model.WorkItemFilter) ([]*model.WorkItem, error) {
	var where []string
	var args []any
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Host != "" {
		where = append(where, "host = ?")
		args = append(args, f.Host)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q.collectWorkItems(ctx, query, args...)
}

func (q queries) collectWorkItems(ctx context.Context, query string, args ...any) ([]*model.WorkItem, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

const jobColumns = `id, name, restartable, consolidated, terminate_on_error, status, progress,
	restart_count, messages, launched_at, completed_at, finalizing_at, finalized_at, created_at, updated_at`

func (q queries) getJob(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	var restartable, consolidated, terminateOnError int
	var status, messagesJSON, createdAt, updatedAt string
	var launchedAt, completedAt, finalizingAt, finalizedAt sql.NullString

	err := q.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Name, &restartable, &consolidated, &terminateOnError, &status, &j.Progress,
		&j.RestartCount, &messagesJSON, &launchedAt, &completedAt, &finalizingAt, &finalizedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	j.Restartable = restartable != 0
	j.Consolidated = consolidated != 0
	j.TerminateOnError = terminateOnError != 0
	j.Status = model.CompletionStatus(status)
	j.LaunchedAt = parseNullTime(launchedAt)
	j.CompletedAt = parseNullTime(completedAt)
	j.FinalizingAt = parseNullTime(finalizingAt)
	j.FinalizedAt = parseNullTime(finalizedAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(messagesJSON), &j.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal job messages: %w", err)
	}

	parts, err := q.partitions(ctx, id)
	if err != nil {
		return nil, err
	}
	j.Partitions = parts
	return &j, nil
}

func (q queries) partitions(ctx context.Context, jobID string) (map[string]*model.PartitionResult, error) {
	rows, err := q.query(ctx,
		`SELECT name, host, status, launched_at, completed_at, messages, stats, updated_at
		 FROM partitions WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parts := make(map[string]*model.PartitionResult)
	for rows.Next() {
		var p model.PartitionResult
		var status, messagesJSON, statsJSON, updatedAt string
		var launchedAt, completedAt sql.NullString
		if err := rows.Scan(&p.Name, &p.Host, &status, &launchedAt, &completedAt, &messagesJSON, &statsJSON, &updatedAt); err != nil {
			return nil, err
		}
		p.Status = model.CompletionStatus(status)
		p.LaunchedAt = parseNullTime(launchedAt)
		p.CompletedAt = parseNullTime(completedAt)
		p.UpdatedAt = parseTime(updatedAt)
		if err := json.Unmarshal([]byte(messagesJSON), &p.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal partition messages: %w", err)
		}
		if err := json.Unmarshal([]byte(statsJSON), &p.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal partition stats: %w", err)
		}
		parts[p.Name] = &p
	}
	return parts, rows.Err()
}

func (q queries) insertJob(ctx context.Context, j *model.Job) error {
	messagesJSON, err := marshalJSON(j.Messages, "[]")
	if err != nil {
		return fmt.Errorf("marshal job messages: %w", err)
	}
	_, err = q.exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, boolInt(j.Restartable), boolInt(j.Consolidated), boolInt(j.TerminateOnError),
		string(j.Status), j.Progress, j.RestartCount, messagesJSON,
		nullTime(j.LaunchedAt), nullTime(j.CompletedAt), nullTime(j.FinalizingAt), nullTime(j.FinalizedAt), formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	return err
}

func (q queries) updateJob(ctx context.Context, j *model.Job) error {
	messagesJSON, err := marshalJSON(j.Messages, "[]")
	if err != nil {
		return fmt.Errorf("marshal job messages: %w", err)
	}
	res, err := q.exec(ctx,
		`UPDATE jobs SET name = ?, restartable = ?, consolidated = ?, terminate_on_error = ?, status = ?, progress = ?,
		 restart_count = ?, messages = ?, launched_at = ?, completed_at = ?, finalizing_at = ?, finalized_at = ?, updated_at = ?
		 WHERE id = ?`,
		j.Name, boolInt(j.Restartable), boolInt(j.Consolidated), boolInt(j.TerminateOnError), string(j.Status), j.Progress,
		j.RestartCount, messagesJSON, nullTime(j.LaunchedAt), nullTime(j.CompletedAt),
		nullTime(j.FinalizingAt), nullTime(j.FinalizedAt), formatTime(j.UpdatedAt),
		j.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(res, "job", j.ID)
}

func (q queries) upsertPartition(ctx context.Context, jobID string, p *model.PartitionResult) error {
	messagesJSON, err := marshalJSON(p.Messages, "[]")
	if err != nil {
		return fmt.Errorf("marshal partition messages: %w", err)
	}
	statsJSON, err := marshalJSON(p.Stats, "{}")
	if err != nil {
		return fmt.Errorf("marshal partition stats: %w", err)
	}
	_, err = q.exec(ctx,
		`INSERT INTO partitions (job_id, name, host, status, launched_at, completed_at, messages, stats, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, name) DO UPDATE SET
		   host = excluded.host, status = excluded.status, launched_at = excluded.launched_at,
		   completed_at = excluded.completed_at, messages = excluded.messages, stats = excluded.stats,
		   updated_at = excluded.updated_at`,
		jobID, p.Name, p.Host, string(p.Status), nullTime(p.LaunchedAt), nullTime(p.CompletedAt),
		messagesJSON, statsJSON, formatTime(p.UpdatedAt),
	)
	return err
}

func (q queries) deletePartition(ctx context.Context, jobID, name string) error {
	_, err := q.exec(ctx, `DELETE FROM partitions WHERE job_id = ? AND name = ?`, jobID, name)
	return err
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
