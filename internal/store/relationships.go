package store

import (
	"context"
	"time"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

const relationshipColumns = `id, parent_id, child_id, kind, iteration, created_at, metadata`

type relationshipModel struct {
	ID        int64
	ParentID  string
	ChildID   string
	Kind      string
	Iteration int
	CreatedAt string
	Metadata  string
}

func (m *relationshipModel) toDomain() *Relationship {
	return &Relationship{
		ID:        m.ID,
		ParentID:  m.ParentID,
		ChildID:   m.ChildID,
		Kind:      RelationshipKind(m.Kind),
		Iteration: m.Iteration,
		CreatedAt: parseTime(m.CreatedAt),
		Metadata:  m.Metadata,
	}
}

func scanRelationship(scanner interface{ Scan(...any) error }) (*relationshipModel, error) {
	var m relationshipModel
	err := scanner.Scan(&m.ID, &m.ParentID, &m.ChildID, &m.Kind, &m.Iteration, &m.CreatedAt, &m.Metadata)
	return &m, err
}

// RelationshipRepository reads and writes parent/child edges.
type RelationshipRepository struct {
	q querier
}

// Create inserts an edge. A duplicate (parent, child, kind, iteration)
// surfaces as workflow-relationship-exists. Sets rel.ID and CreatedAt.
func (r *RelationshipRepository) Create(ctx context.Context, rel *Relationship) error {
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO relationships (parent_id, child_id, kind, iteration, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rel.ParentID, rel.ChildID, string(rel.Kind), rel.Iteration, formatTime(rel.CreatedAt), rel.Metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return swarmerr.WorkflowRelationshipExistsErr(rel.ParentID, rel.ChildID).WithCause(err)
		}
		return mapSQLError("insert relationship", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return mapSQLError("insert relationship", err)
	}
	rel.ID = id
	return nil
}

// NextIteration returns max(iteration)+1 for (parentID, kind), starting at 1.
func (r *RelationshipRepository) NextIteration(ctx context.Context, parentID string, kind RelationshipKind) (int, error) {
	var max int
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(iteration), 0) FROM relationships WHERE parent_id = ? AND kind = ?`,
		parentID, string(kind)).Scan(&max)
	if err != nil {
		return 0, mapSQLError("query max iteration", err)
	}
	return max + 1, nil
}

// ForWorker returns every edge where the worker is parent or child, ordered
// by creation time.
func (r *RelationshipRepository) ForWorker(ctx context.Context, workerID string) ([]*Relationship, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships
		 WHERE parent_id = ? OR child_id = ?
		 ORDER BY created_at, id`, workerID, workerID)
	if err != nil {
		return nil, mapSQLError("list relationships", err)
	}
	defer func() { _ = rows.Close() }()

	var rels []*Relationship
	for rows.Next() {
		m, err := scanRelationship(rows)
		if err != nil {
			return nil, mapSQLError("scan relationship row", err)
		}
		rels = append(rels, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError("iterate relationship rows", err)
	}
	return rels, nil
}

// UpdateMetadata replaces the metadata blob on one edge.
func (r *RelationshipRepository) UpdateMetadata(ctx context.Context, id int64, metadata string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE relationships SET metadata = ? WHERE id = ?`, metadata, id)
	if err != nil {
		return mapSQLError("update relationship metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return swarmerr.StoreNotFoundErr("relationship", "")
	}
	return nil
}

// Latest returns the most recent edge of the given kind under parentID, or
// store-not-found when none exists.
func (r *RelationshipRepository) Latest(ctx context.Context, parentID string, kind RelationshipKind) (*Relationship, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships
		 WHERE parent_id = ? AND kind = ?
		 ORDER BY iteration DESC LIMIT 1`, parentID, string(kind))
	m, err := scanRelationship(row)
	if isNoRows(err) {
		return nil, swarmerr.StoreNotFoundErr("relationship", parentID)
	}
	if err != nil {
		return nil, mapSQLError("get latest relationship", err)
	}
	return m.toDomain(), nil
}
