package store

import (
	"context"
	"time"
)

const toolEventColumns = `id, worker_id, tool_name, success, error, metadata,
	git_commit_hash, status_change, is_status_updating, timestamp`

type toolEventModel struct {
	ID               int64
	WorkerID         string
	ToolName         string
	Success          bool
	Error            string
	Metadata         string
	GitCommitHash    string
	StatusChange     string
	IsStatusUpdating bool
	Timestamp        string
}

func (m *toolEventModel) toDomain() *ToolEvent {
	return &ToolEvent{
		ID:               m.ID,
		WorkerID:         m.WorkerID,
		ToolName:         m.ToolName,
		Success:          m.Success,
		Error:            m.Error,
		Metadata:         m.Metadata,
		GitCommitHash:    m.GitCommitHash,
		StatusChange:     m.StatusChange,
		IsStatusUpdating: m.IsStatusUpdating,
		Timestamp:        parseTime(m.Timestamp),
	}
}

func scanToolEvent(scanner interface{ Scan(...any) error }) (*toolEventModel, error) {
	var m toolEventModel
	err := scanner.Scan(
		&m.ID, &m.WorkerID, &m.ToolName, &m.Success, &m.Error, &m.Metadata,
		&m.GitCommitHash, &m.StatusChange, &m.IsStatusUpdating, &m.Timestamp,
	)
	return &m, err
}

// ToolEventRepository appends to and reads the audit trail. There is no
// update or delete; the table is append-only.
type ToolEventRepository struct {
	q querier
}

// Log appends one event. Timestamp defaults to now.
func (r *ToolEventRepository) Log(ctx context.Context, ev *ToolEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO tool_events (worker_id, tool_name, success, error, metadata,
			git_commit_hash, status_change, is_status_updating, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.WorkerID, ev.ToolName, ev.Success, ev.Error, ev.Metadata,
		ev.GitCommitHash, ev.StatusChange, ev.IsStatusUpdating, formatTime(ev.Timestamp),
	)
	if err != nil {
		return mapSQLError("insert tool event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// ForWorker returns a worker's events in chronological order.
func (r *ToolEventRepository) ForWorker(ctx context.Context, workerID string) ([]*ToolEvent, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+toolEventColumns+` FROM tool_events
		 WHERE worker_id = ? ORDER BY timestamp, id`, workerID)
	if err != nil {
		return nil, mapSQLError("list tool events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*ToolEvent
	for rows.Next() {
		m, err := scanToolEvent(rows)
		if err != nil {
			return nil, mapSQLError("scan tool event row", err)
		}
		events = append(events, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError("iterate tool event rows", err)
	}
	return events, nil
}
