package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolEventLogAndReplay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "coding-1", KindCoding, StatusStarted)

	args := `{"description":"ready for review"}`
	events := []*ToolEvent{
		{WorkerID: "coding-1", ToolName: "request_review", Metadata: args, Success: true},
		{WorkerID: "coding-1", ToolName: "create_pull_request", Success: false, Error: "hosting-request-failed"},
	}
	for _, ev := range events {
		require.NoError(t, db.ToolEvents().Log(ctx, ev))
		assert.NotZero(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}

	replay, err := db.ToolEvents().ForWorker(ctx, "coding-1")
	require.NoError(t, err)
	require.Len(t, replay, 2)

	assert.Equal(t, "request_review", replay[0].ToolName)
	assert.True(t, replay[0].Success)
	assert.JSONEq(t, args, replay[0].Metadata)

	assert.Equal(t, "create_pull_request", replay[1].ToolName)
	assert.False(t, replay[1].Success)
	assert.Equal(t, "hosting-request-failed", replay[1].Error)
}

func TestToolEventOrderingIsChronological(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "coding-1", KindCoding, StatusStarted)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	names := []string{"first", "second", "third"}
	// Insert out of order to prove the query sorts by timestamp.
	for _, i := range []int{2, 0, 1} {
		ev := &ToolEvent{WorkerID: "coding-1", ToolName: names[i], Success: true, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, db.ToolEvents().Log(ctx, ev))
	}

	replay, err := db.ToolEvents().ForWorker(ctx, "coding-1")
	require.NoError(t, err)
	require.Len(t, replay, 3)
	for i, name := range names {
		assert.Equal(t, name, replay[i].ToolName)
	}
}

func TestToolEventForWorkerScopesByWorker(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedWorker(t, db, "a", KindCoding, StatusStarted)
	seedWorker(t, db, "b", KindReview, StatusStarted)

	require.NoError(t, db.ToolEvents().Log(ctx, &ToolEvent{WorkerID: "a", ToolName: "request_review", Success: true}))
	require.NoError(t, db.ToolEvents().Log(ctx, &ToolEvent{WorkerID: "b", ToolName: "request_changes", Success: true}))

	forA, err := db.ToolEvents().ForWorker(ctx, "a")
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, "request_review", forA[0].ToolName)
}
