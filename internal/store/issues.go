package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

const issueColumns = `number, repo_owner, repo_name, title, body, state, labels,
	created_at, updated_at, synced_at`

type issueModel struct {
	Number    int
	RepoOwner string
	RepoName  string
	Title     string
	Body      string
	State     string
	Labels    string
	CreatedAt *string
	UpdatedAt *string
	SyncedAt  string
}

func (m *issueModel) toDomain() *IssueRecord {
	rec := &IssueRecord{
		Number:    m.Number,
		RepoOwner: m.RepoOwner,
		RepoName:  m.RepoName,
		Title:     m.Title,
		Body:      m.Body,
		State:     m.State,
		Labels:    m.Labels,
		SyncedAt:  parseTime(m.SyncedAt),
	}
	if t := parseTimePtr(m.CreatedAt); t != nil {
		rec.CreatedAt = *t
	}
	if t := parseTimePtr(m.UpdatedAt); t != nil {
		rec.UpdatedAt = *t
	}
	return rec
}

// IssueRepository caches hosting-provider issues locally so repeated prompt
// composition does not hit the API.
type IssueRepository struct {
	q querier
}

// Upsert writes the cached copy of an issue, bumping synced_at to now.
func (r *IssueRepository) Upsert(ctx context.Context, rec *IssueRecord) error {
	rec.SyncedAt = time.Now().UTC()
	created := formatTime(rec.CreatedAt)
	updated := formatTime(rec.UpdatedAt)
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO issues (number, repo_owner, repo_name, title, body, state, labels,
			created_at, updated_at, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (number, repo_owner, repo_name) DO UPDATE SET
			title = excluded.title, body = excluded.body, state = excluded.state,
			labels = excluded.labels, created_at = excluded.created_at,
			updated_at = excluded.updated_at, synced_at = excluded.synced_at`,
		rec.Number, rec.RepoOwner, rec.RepoName, rec.Title, rec.Body, rec.State, rec.Labels,
		created, updated, formatTime(rec.SyncedAt),
	)
	if err != nil {
		return mapSQLError("upsert issue", err)
	}
	return nil
}

// Get returns the cached issue or store-not-found.
func (r *IssueRepository) Get(ctx context.Context, owner, name string, number int) (*IssueRecord, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE number = ? AND repo_owner = ? AND repo_name = ?`,
		number, owner, name)
	var m issueModel
	err := row.Scan(&m.Number, &m.RepoOwner, &m.RepoName, &m.Title, &m.Body, &m.State,
		&m.Labels, &m.CreatedAt, &m.UpdatedAt, &m.SyncedAt)
	if isNoRows(err) {
		return nil, swarmerr.StoreNotFoundErr("issue", fmt.Sprintf("%s/%s#%d", owner, name, number))
	}
	if err != nil {
		return nil, mapSQLError("get issue", err)
	}
	return m.toDomain(), nil
}

// NextLocalNumber returns max(number)+1 within an (owner, name) scope,
// starting at 1. Planning workers number their locally filed tasks with it.
func (r *IssueRepository) NextLocalNumber(ctx context.Context, owner, name string) (int, error) {
	var max sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		`SELECT MAX(number) FROM issues WHERE repo_owner = ? AND repo_name = ?`,
		owner, name).Scan(&max)
	if err != nil {
		return 0, mapSQLError("next issue number", err)
	}
	return int(max.Int64) + 1, nil
}

// ListByState returns cached issues in a given state for a repo.
func (r *IssueRepository) ListByState(ctx context.Context, owner, name, state string) ([]*IssueRecord, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE repo_owner = ? AND repo_name = ? AND state = ?
		 ORDER BY number`, owner, name, state)
	if err != nil {
		return nil, mapSQLError("list issues", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*IssueRecord
	for rows.Next() {
		var m issueModel
		if err := rows.Scan(&m.Number, &m.RepoOwner, &m.RepoName, &m.Title, &m.Body, &m.State,
			&m.Labels, &m.CreatedAt, &m.UpdatedAt, &m.SyncedAt); err != nil {
			return nil, mapSQLError("scan issue row", err)
		}
		recs = append(recs, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError("iterate issue rows", err)
	}
	return recs, nil
}
