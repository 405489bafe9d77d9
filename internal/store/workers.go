package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// workerColumns is the list of columns to select for worker queries.
const workerColumns = `id, kind, status, worktree_path, branch, base_branch, session_name,
	lm_pid, tool_server_pid, issue_number, system_prompt, parent_id, pr_number, pr_url,
	created_at, last_activity, terminated_at`

// workerModel maps the workers table row with RFC3339 text timestamps.
type workerModel struct {
	ID            string
	Kind          string
	Status        string
	WorktreePath  *string
	Branch        *string
	BaseBranch    *string
	SessionName   *string
	LMPID         *int
	ToolServerPID *int
	IssueNumber   *int
	SystemPrompt  string
	ParentID      *string
	PRNumber      *int
	PRURL         *string
	CreatedAt     string
	LastActivity  string
	TerminatedAt  *string
}

func toWorkerModel(w *Worker) *workerModel {
	return &workerModel{
		ID:            w.ID,
		Kind:          string(w.Kind),
		Status:        string(w.Status),
		WorktreePath:  w.WorktreePath,
		Branch:        w.Branch,
		BaseBranch:    w.BaseBranch,
		SessionName:   w.SessionName,
		LMPID:         w.LMPID,
		ToolServerPID: w.ToolServerPID,
		IssueNumber:   w.IssueNumber,
		SystemPrompt:  w.SystemPrompt,
		ParentID:      w.ParentID,
		PRNumber:      w.PRNumber,
		PRURL:         w.PRURL,
		CreatedAt:     formatTime(w.CreatedAt),
		LastActivity:  formatTime(w.LastActivity),
		TerminatedAt:  formatTimePtr(w.TerminatedAt),
	}
}

func (m *workerModel) toDomain() *Worker {
	return &Worker{
		ID:            m.ID,
		Kind:          WorkerKind(m.Kind),
		Status:        WorkerStatus(m.Status),
		WorktreePath:  m.WorktreePath,
		Branch:        m.Branch,
		BaseBranch:    m.BaseBranch,
		SessionName:   m.SessionName,
		LMPID:         m.LMPID,
		ToolServerPID: m.ToolServerPID,
		IssueNumber:   m.IssueNumber,
		SystemPrompt:  m.SystemPrompt,
		ParentID:      m.ParentID,
		PRNumber:      m.PRNumber,
		PRURL:         m.PRURL,
		CreatedAt:     parseTime(m.CreatedAt),
		LastActivity:  parseTime(m.LastActivity),
		TerminatedAt:  parseTimePtr(m.TerminatedAt),
	}
}

func scanWorker(scanner interface{ Scan(...any) error }) (*workerModel, error) {
	var m workerModel
	err := scanner.Scan(
		&m.ID, &m.Kind, &m.Status, &m.WorktreePath, &m.Branch, &m.BaseBranch, &m.SessionName,
		&m.LMPID, &m.ToolServerPID, &m.IssueNumber, &m.SystemPrompt, &m.ParentID,
		&m.PRNumber, &m.PRURL, &m.CreatedAt, &m.LastActivity, &m.TerminatedAt,
	)
	return &m, err
}

// WorkerRepository reads and writes worker rows.
type WorkerRepository struct {
	q querier
}

// Create inserts a new worker row. CreatedAt and LastActivity default to now
// when zero. A duplicate id surfaces as store-conflict.
func (r *WorkerRepository) Create(ctx context.Context, w *Worker) error {
	if !w.Kind.Valid() {
		return swarmerr.New(swarmerr.CompStore, swarmerr.StoreConflict,
			fmt.Sprintf("unknown worker kind %q", w.Kind))
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.LastActivity.IsZero() {
		w.LastActivity = now
	}
	m := toWorkerModel(w)

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO workers (
			id, kind, status, worktree_path, branch, base_branch, session_name,
			lm_pid, tool_server_pid, issue_number, system_prompt, parent_id, pr_number, pr_url,
			created_at, last_activity, terminated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Kind, m.Status, m.WorktreePath, m.Branch, m.BaseBranch, m.SessionName,
		m.LMPID, m.ToolServerPID, m.IssueNumber, m.SystemPrompt, m.ParentID, m.PRNumber, m.PRURL,
		m.CreatedAt, m.LastActivity, m.TerminatedAt,
	)
	if err != nil {
		return mapSQLError("insert worker", err)
	}
	return nil
}

// Get retrieves a worker by id.
func (r *WorkerRepository) Get(ctx context.Context, id string) (*Worker, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	m, err := scanWorker(row)
	if isNoRows(err) {
		return nil, swarmerr.StoreNotFoundErr("worker", id)
	}
	if err != nil {
		return nil, mapSQLError("get worker", err)
	}
	return m.toDomain(), nil
}

// Update writes the full row. Terminated rows are immutable; updating one
// returns workflow-terminal-state. LastActivity is bumped to now.
func (r *WorkerRepository) Update(ctx context.Context, w *Worker) error {
	w.LastActivity = time.Now().UTC()
	m := toWorkerModel(w)

	res, err := r.q.ExecContext(ctx,
		`UPDATE workers SET
			kind = ?, status = ?, worktree_path = ?, branch = ?, base_branch = ?, session_name = ?,
			lm_pid = ?, tool_server_pid = ?, issue_number = ?, system_prompt = ?, parent_id = ?,
			pr_number = ?, pr_url = ?, last_activity = ?, terminated_at = ?
		WHERE id = ? AND status != 'terminated'`,
		m.Kind, m.Status, m.WorktreePath, m.Branch, m.BaseBranch, m.SessionName,
		m.LMPID, m.ToolServerPID, m.IssueNumber, m.SystemPrompt, m.ParentID,
		m.PRNumber, m.PRURL, m.LastActivity, m.TerminatedAt,
		m.ID,
	)
	if err != nil {
		return mapSQLError("update worker", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapSQLError("update worker", err)
	}
	if affected == 0 {
		existing, gerr := r.Get(ctx, w.ID)
		if gerr != nil {
			return gerr
		}
		return swarmerr.WorkflowTerminalStateErr(existing.ID, string(existing.Status))
	}
	return nil
}

// ReleaseHandles rewrites only the resource handle columns, bypassing the
// terminal-status guard. Cleanup retries against already-terminated rows go
// through here; everything else uses Update.
func (r *WorkerRepository) ReleaseHandles(ctx context.Context, w *Worker) error {
	w.LastActivity = time.Now().UTC()
	m := toWorkerModel(w)

	res, err := r.q.ExecContext(ctx,
		`UPDATE workers SET
			worktree_path = ?, branch = ?, session_name = ?, lm_pid = ?, tool_server_pid = ?,
			last_activity = ?, terminated_at = ?
		WHERE id = ?`,
		m.WorktreePath, m.Branch, m.SessionName, m.LMPID, m.ToolServerPID,
		m.LastActivity, m.TerminatedAt,
		m.ID,
	)
	if err != nil {
		return mapSQLError("release worker handles", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return swarmerr.StoreNotFoundErr("worker", w.ID)
	}
	return nil
}

// TouchActivity bumps last_activity without rewriting the row.
func (r *WorkerRepository) TouchActivity(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE workers SET last_activity = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return mapSQLError("touch worker", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return swarmerr.StoreNotFoundErr("worker", id)
	}
	return nil
}

// ListFilter narrows and orders List results.
type ListFilter struct {
	Kinds    []WorkerKind
	Statuses []WorkerStatus
	ParentID *string
	OrderBy  string // "created_at" (default) or "last_activity"
	Desc     bool
	Limit    int
	Offset   int
}

// List retrieves workers matching the filter.
func (r *WorkerRepository) List(ctx context.Context, filter ListFilter) ([]*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	var conds []string
	var args []any

	if len(filter.Kinds) > 0 {
		conds = append(conds, `kind IN (`+placeholders(len(filter.Kinds))+`)`)
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, `status IN (`+placeholders(len(filter.Statuses))+`)`)
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	if filter.ParentID != nil {
		conds = append(conds, `parent_id = ?`)
		args = append(args, *filter.ParentID)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}

	orderBy := "created_at"
	if filter.OrderBy == "last_activity" {
		orderBy = "last_activity"
	}
	query += ` ORDER BY ` + orderBy
	if filter.Desc {
		query += ` DESC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError("list workers", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*Worker
	for rows.Next() {
		m, err := scanWorker(rows)
		if err != nil {
			return nil, mapSQLError("scan worker row", err)
		}
		workers = append(workers, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError("iterate worker rows", err)
	}
	return workers, nil
}

// CountActive returns the number of workers in a non-terminal status. The
// worktree capacity check runs against this count.
func (r *WorkerRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE status NOT IN ('completed', 'terminated', 'failed')`).
		Scan(&count)
	if err != nil {
		return 0, mapSQLError("count active workers", err)
	}
	return count, nil
}

// ActiveReviewChildren returns the review children of parentID that have not
// been terminated. The serial-review invariant holds when this never exceeds
// one element.
func (r *WorkerRepository) ActiveReviewChildren(ctx context.Context, parentID string) ([]*Worker, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE parent_id = ? AND kind = 'review'
		   AND status NOT IN ('completed', 'terminated', 'failed')
		 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, mapSQLError("list review children", err)
	}
	defer func() { _ = rows.Close() }()

	var children []*Worker
	for rows.Next() {
		m, err := scanWorker(rows)
		if err != nil {
			return nil, mapSQLError("scan review child", err)
		}
		children = append(children, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError("iterate review children", err)
	}
	return children, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
