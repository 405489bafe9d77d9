package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func seedWorker(t *testing.T, db *DB, id string, kind WorkerKind, status WorkerStatus) *Worker {
	t.Helper()
	w := &Worker{ID: id, Kind: kind, Status: status}
	require.NoError(t, db.Workers().Create(context.Background(), w))
	return w
}

func TestWorkerCreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	w := &Worker{
		ID:           "coding-abc123",
		Kind:         KindCoding,
		Status:       StatusStarted,
		SystemPrompt: "implement the parser",
		IssueNumber:  intPtr(42),
	}
	require.NoError(t, db.Workers().Create(ctx, w))
	assert.False(t, w.CreatedAt.IsZero(), "Create should stamp created_at")

	got, err := db.Workers().Get(ctx, "coding-abc123")
	require.NoError(t, err)
	assert.Equal(t, KindCoding, got.Kind)
	assert.Equal(t, StatusStarted, got.Status)
	assert.Equal(t, "implement the parser", got.SystemPrompt)
	require.NotNil(t, got.IssueNumber)
	assert.Equal(t, 42, *got.IssueNumber)
	assert.Nil(t, got.WorktreePath)
	assert.Nil(t, got.TerminatedAt)
	assert.WithinDuration(t, w.CreatedAt, got.CreatedAt, time.Second)
}

func TestWorkerGetNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Workers().Get(context.Background(), "coding-missing")
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.StoreNotFound))
}

func TestWorkerCreateDuplicateConflicts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "coding-dup", KindCoding, StatusStarted)
	err := db.Workers().Create(ctx, &Worker{ID: "coding-dup", Kind: KindCoding, Status: StatusStarted})
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.StoreConflict))
}

func TestWorkerCreateRejectsUnknownKind(t *testing.T) {
	db := newTestDB(t)

	err := db.Workers().Create(context.Background(), &Worker{ID: "x", Kind: "gardening", Status: StatusStarted})
	require.Error(t, err)
}

func TestWorkerUpdatePopulatesHandles(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	w := seedWorker(t, db, "coding-h1", KindCoding, StatusStarted)
	w.WorktreePath = strPtr("/tmp/worktrees/coding-h1")
	w.Branch = strPtr("swarm/coding-h1")
	w.BaseBranch = strPtr("main")
	w.SessionName = strPtr("swarm-coding-h1")
	w.LMPID = intPtr(4321)
	w.ToolServerPID = intPtr(4322)
	require.NoError(t, db.Workers().Update(ctx, w))

	got, err := db.Workers().Get(ctx, "coding-h1")
	require.NoError(t, err)
	assert.True(t, got.HasAllHandles())
	assert.Equal(t, "swarm/coding-h1", *got.Branch)
}

func TestWorkerUpdateNotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.Workers().Update(context.Background(), &Worker{ID: "ghost", Kind: KindCoding, Status: StatusStarted})
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.StoreNotFound))
}

func TestWorkerTerminatedRowsAreImmutable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	w := seedWorker(t, db, "coding-done", KindCoding, StatusStarted)
	now := time.Now().UTC()
	w.Status = StatusTerminated
	w.TerminatedAt = &now
	require.NoError(t, db.Workers().Update(ctx, w))

	w.Status = StatusStarted
	w.TerminatedAt = nil
	err := db.Workers().Update(ctx, w)
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.WorkflowTerminalState))

	got, err := db.Workers().Get(ctx, "coding-done")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, got.Status)
	assert.NotNil(t, got.TerminatedAt)
}

func TestWorkerTouchActivity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	w := seedWorker(t, db, "coding-touch", KindCoding, StatusStarted)
	before, err := db.Workers().Get(ctx, w.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, db.Workers().TouchActivity(ctx, w.ID))

	after, err := db.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActivity.After(before.LastActivity) || after.LastActivity.Equal(before.LastActivity))

	assert.Error(t, db.Workers().TouchActivity(ctx, "nope"))
}

func TestWorkerListFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "coding-1", KindCoding, StatusStarted)
	seedWorker(t, db, "coding-2", KindCoding, StatusWaitingReview)
	seedWorker(t, db, "planning-1", KindPlanning, StatusCompleted)
	review := &Worker{ID: "coding-1-review-1", Kind: KindReview, Status: StatusStarted, ParentID: strPtr("coding-1")}
	require.NoError(t, db.Workers().Create(ctx, review))

	byKind, err := db.Workers().List(ctx, ListFilter{Kinds: []WorkerKind{KindCoding}})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	byStatus, err := db.Workers().List(ctx, ListFilter{Statuses: []WorkerStatus{StatusStarted}})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	byParent, err := db.Workers().List(ctx, ListFilter{ParentID: strPtr("coding-1")})
	require.NoError(t, err)
	require.Len(t, byParent, 1)
	assert.Equal(t, "coding-1-review-1", byParent[0].ID)

	limited, err := db.Workers().List(ctx, ListFilter{Limit: 2, OrderBy: "created_at"})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	all, err := db.Workers().List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestWorkerCountActive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "a", KindCoding, StatusStarted)
	seedWorker(t, db, "b", KindCoding, StatusCreatingPR)
	seedWorker(t, db, "c", KindCoding, StatusCompleted)
	seedWorker(t, db, "d", KindCoding, StatusFailed)
	seedWorker(t, db, "e", KindCoding, StatusTerminated)

	count, err := db.Workers().CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestWorkerActiveReviewChildren(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "parent", KindCoding, StatusUnderReview)
	alive := &Worker{ID: "parent-review-1", Kind: KindReview, Status: StatusStarted, ParentID: strPtr("parent")}
	require.NoError(t, db.Workers().Create(ctx, alive))

	dead := &Worker{ID: "parent-review-0", Kind: KindReview, Status: StatusTerminated, ParentID: strPtr("parent")}
	require.NoError(t, db.Workers().Create(ctx, dead))

	children, err := db.Workers().ActiveReviewChildren(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "parent-review-1", children[0].ID)
}
