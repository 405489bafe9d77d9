package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarmd/internal/store"
)

// relData holds data for a relationship edge to be inserted.
type relData struct {
	parentID  string
	childID   string
	kind      store.RelationshipKind
	iteration int
	metadata  string
}

// eventData holds data for a tool event to be inserted.
type eventData struct {
	workerID string
	toolName string
	opts     []EventOption
}

// Builder accumulates test data and inserts it in the correct order.
type Builder struct {
	t       *testing.T
	db      *store.DB
	workers []*store.Worker
	rels    []relData
	events  []eventData
}

// NewBuilder creates a builder for the given test database.
func NewBuilder(t *testing.T, db *store.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithWorker adds a worker with optional configuration. The default worker is
// a fully launched one: status started with all four resource handles set.
func (b *Builder) WithWorker(id string, kind store.WorkerKind, opts ...WorkerOption) *Builder {
	w := defaultWorker(id, kind)
	for _, opt := range opts {
		opt(w)
	}
	b.workers = append(b.workers, w)
	return b
}

// WithRelationship adds a parent→child edge.
func (b *Builder) WithRelationship(parentID, childID string, kind store.RelationshipKind, iteration int) *Builder {
	b.rels = append(b.rels, relData{parentID: parentID, childID: childID, kind: kind, iteration: iteration})
	return b
}

// WithToolEvent adds an audit row for a worker.
func (b *Builder) WithToolEvent(workerID, toolName string, opts ...EventOption) *Builder {
	b.events = append(b.events, eventData{workerID: workerID, toolName: toolName, opts: opts})
	return b
}

// Build inserts all accumulated data into the database.
func (b *Builder) Build() {
	b.t.Helper()
	ctx := context.Background()

	// Insert in reference order: workers → relationships → events. Workers
	// insert in declaration order so parents must be declared before children.
	for _, w := range b.workers {
		require.NoError(b.t, b.db.Workers().Create(ctx, w))
	}
	for _, rel := range b.rels {
		require.NoError(b.t, b.db.Relationships().Create(ctx, &store.Relationship{
			ParentID:  rel.parentID,
			ChildID:   rel.childID,
			Kind:      rel.kind,
			Iteration: rel.iteration,
			Metadata:  rel.metadata,
		}))
	}
	for _, ev := range b.events {
		event := &store.ToolEvent{
			WorkerID: ev.workerID,
			ToolName: ev.toolName,
			Success:  true,
		}
		for _, opt := range ev.opts {
			opt(event)
		}
		require.NoError(b.t, b.db.ToolEvents().Log(ctx, event))
	}
}
