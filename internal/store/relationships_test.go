package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

func TestRelationshipCreateAndQuery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "parent", KindCoding, StatusUnderReview)
	seedWorker(t, db, "child", KindReview, StatusStarted)

	rel := &Relationship{ParentID: "parent", ChildID: "child", Kind: RelSpawnedReview, Iteration: 1}
	require.NoError(t, db.Relationships().Create(ctx, rel))
	assert.NotZero(t, rel.ID, "Create should populate the rowid")
	assert.False(t, rel.CreatedAt.IsZero())

	fromParent, err := db.Relationships().ForWorker(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, fromParent, 1)
	assert.Equal(t, "child", fromParent[0].ChildID)

	fromChild, err := db.Relationships().ForWorker(ctx, "child")
	require.NoError(t, err)
	require.Len(t, fromChild, 1)
	assert.Equal(t, "parent", fromChild[0].ParentID)
}

func TestRelationshipDuplicateRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "parent", KindCoding, StatusUnderReview)
	seedWorker(t, db, "child", KindReview, StatusStarted)

	rel := &Relationship{ParentID: "parent", ChildID: "child", Kind: RelSpawnedReview, Iteration: 1}
	require.NoError(t, db.Relationships().Create(ctx, rel))

	dup := &Relationship{ParentID: "parent", ChildID: "child", Kind: RelSpawnedReview, Iteration: 1}
	err := db.Relationships().Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.WorkflowRelationshipExists))

	next := &Relationship{ParentID: "parent", ChildID: "child", Kind: RelSpawnedReview, Iteration: 2}
	assert.NoError(t, db.Relationships().Create(ctx, next), "same pair at a new iteration is fine")
}

func TestRelationshipForeignKeysEnforced(t *testing.T) {
	db := newTestDB(t)

	rel := &Relationship{ParentID: "nope", ChildID: "also-nope", Kind: RelSpawnedReview, Iteration: 1}
	err := db.Relationships().Create(context.Background(), rel)
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.StoreConflict))
}

func TestRelationshipNextIteration(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "parent", KindCoding, StatusUnderReview)

	n, err := db.Relationships().NextIteration(ctx, "parent", RelSpawnedReview)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "no prior reviews starts at 1")

	for i := 1; i <= 3; i++ {
		childID := seedWorker(t, db, "child-"+string(rune('a'+i)), KindReview, StatusStarted).ID
		rel := &Relationship{ParentID: "parent", ChildID: childID, Kind: RelSpawnedReview, Iteration: i}
		require.NoError(t, db.Relationships().Create(ctx, rel))

		n, err = db.Relationships().NextIteration(ctx, "parent", RelSpawnedReview)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}
}

func TestRelationshipUpdateMetadataAndLatest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "parent", KindCoding, StatusUnderReview)
	seedWorker(t, db, "r1", KindReview, StatusTerminated)
	seedWorker(t, db, "r2", KindReview, StatusStarted)

	first := &Relationship{ParentID: "parent", ChildID: "r1", Kind: RelSpawnedReview, Iteration: 1}
	require.NoError(t, db.Relationships().Create(ctx, first))
	second := &Relationship{ParentID: "parent", ChildID: "r2", Kind: RelSpawnedReview, Iteration: 2}
	require.NoError(t, db.Relationships().Create(ctx, second))

	meta := `{"review":"needs tests","decision":"request_changes","completed_at":"2026-01-02T10:00:00Z"}`
	require.NoError(t, db.Relationships().UpdateMetadata(ctx, first.ID, meta))

	latest, err := db.Relationships().Latest(ctx, "parent", RelSpawnedReview)
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.ChildID)
	assert.Equal(t, 2, latest.Iteration)

	all, err := db.Relationships().ForWorker(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, rel := range all {
		if rel.ID == first.ID {
			assert.JSONEq(t, meta, rel.Metadata)
		}
	}
}

func TestRelationshipLatestNotFound(t *testing.T) {
	db := newTestDB(t)

	seedWorker(t, db, "parent", KindCoding, StatusStarted)
	_, err := db.Relationships().Latest(context.Background(), "parent", RelSpawnedReview)
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.StoreNotFound))
}
