package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
)

func TestLaunchPopulatesHandles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issue := 42
	w, err := f.eng.Launch(ctx, LaunchSpec{
		Kind:       store.KindCoding,
		Prompt:     "implement X",
		Issue:      &issue,
		BaseBranch: "main",
	})
	require.NoError(t, err)

	got, err := f.db.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStarted, got.Status)
	assert.True(t, got.HasAllHandles(), "all four handles after launch")
	assert.Equal(t, "main", *got.BaseBranch)
	require.NotNil(t, got.IssueNumber)
	assert.Equal(t, 42, *got.IssueNumber)

	assert.True(t, f.term.HasSession(ctx, *got.SessionName))
	assert.Contains(t, *got.SessionName, "swarm-")
	assert.Contains(t, f.git.liveWorktrees(), *got.WorktreePath)

	// One tool server with the worker's identity, one LM pointed at it.
	require.Len(t, f.agent.toolServers, 1)
	assert.Equal(t, w.ID, f.agent.toolServers[0].WorkerID)
	assert.Equal(t, store.KindCoding, f.agent.toolServers[0].Kind)
	require.NotNil(t, f.agent.toolServers[0].Issue)
	require.Len(t, f.agent.lms, 1)
	assert.NotEmpty(t, f.agent.lms[0].Env["MCP_SERVER_URL"])
	assert.Equal(t, w.ID, f.agent.lms[0].Env["INSTANCE_ID"])
	assert.Equal(t, "coding", f.agent.lms[0].Env["MCP_SERVER_TYPE"])

	// The task prompt reached the session.
	sent := f.term.sentTo(*got.SessionName)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "implement X")

	events := statusEvents(t, f.db, w.ID)
	require.Len(t, events, 1)
	assert.Equal(t, string(store.StatusStarted), events[0].StatusChange)
	assert.Equal(t, "launch", events[0].ToolName)

	requireConserved(t, f.db, w.ID)
}

func TestLaunchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Launch(ctx, LaunchSpec{Kind: store.KindReview, Prompt: "x"})
	assert.True(t, swarmerr.IsCode(err, swarmerr.WorkflowInvalidArguments),
		"review workers cannot be launched directly")

	_, err = f.eng.Launch(ctx, LaunchSpec{Kind: store.KindCoding})
	assert.True(t, swarmerr.IsCode(err, swarmerr.WorkflowInvalidArguments))

	_, err = f.eng.Launch(ctx, LaunchSpec{Kind: "gardening", Prompt: "x"})
	assert.True(t, swarmerr.IsCode(err, swarmerr.WorkflowInvalidArguments))
}

func TestLaunchCapacityBoundary(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.WorktreeMax = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.eng.Launch(ctx, LaunchSpec{Kind: store.KindCoding, Prompt: fmt.Sprintf("task %d", i)})
		require.NoError(t, err, "launch %d within the cap", i)
	}

	_, err := f.eng.Launch(ctx, LaunchSpec{Kind: store.KindCoding, Prompt: "one too many"})
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.WorkflowCapacity))

	// Finishing a worker frees a slot.
	workers, err := f.db.Workers().List(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.NoError(t, f.eng.Terminate(ctx, workers[0].ID))

	_, err = f.eng.Launch(ctx, LaunchSpec{Kind: store.KindCoding, Prompt: "fits again"})
	assert.NoError(t, err)
}

func TestLaunchFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.term.createErr = swarmerr.TermNotAvailableErr("tmux not on PATH")

	_, err := f.eng.Launch(ctx, LaunchSpec{Kind: store.KindCoding, Prompt: "doomed"})
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.WorkflowLaunchFailed))

	workers, err := f.db.Workers().List(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	w := workers[0]

	assert.Equal(t, store.StatusFailed, w.Status)
	assert.Nil(t, w.WorktreePath, "worktree handle released")
	assert.Empty(t, f.git.liveWorktrees(), "no orphan worktree on disk")
	assert.NotNil(t, w.TerminatedAt)

	cleanups := eventsNamed(t, f.db, w.ID, "cleanup")
	require.Len(t, cleanups, 1)
	assert.True(t, cleanups[0].Success)
	assert.Contains(t, cleanups[0].Metadata, "worktree")

	events := statusEvents(t, f.db, w.ID)
	require.Len(t, events, 2)
	assert.Equal(t, string(store.StatusStarted), events[0].StatusChange)
	assert.Equal(t, string(store.StatusFailed), events[1].StatusChange)

	requireConserved(t, f.db, w.ID)
}

func TestLaunchFailureKeepsResourcesWhenConfigured(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CleanupOnError = false })
	ctx := context.Background()

	f.agent.startLMErr = swarmerr.LMNotFoundErr("claude")

	_, err := f.eng.Launch(ctx, LaunchSpec{Kind: store.KindCoding, Prompt: "inspect me"})
	require.Error(t, err)

	workers, err := f.db.Workers().List(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	w := workers[0]

	assert.Equal(t, store.StatusFailed, w.Status)
	assert.Len(t, f.git.liveWorktrees(), 1, "worktree stays for inspection")
	assert.Empty(t, f.term.killed)
	assert.Empty(t, eventsNamed(t, f.db, w.ID, "cleanup"))
}

func TestLaunchConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := f.eng.Launch(ctx, LaunchSpec{
				Kind:   store.KindCoding,
				Prompt: fmt.Sprintf("task %d", i),
			})
			errs[i] = err
			if w != nil {
				ids[i] = w.ID
			}
		}(i)
	}
	wg.Wait()

	worktrees := make(map[string]bool)
	sessions := make(map[string]bool)
	totalStatusEvents := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "launch %d", i)
		w, err := f.db.Workers().Get(ctx, ids[i])
		require.NoError(t, err)
		assert.Equal(t, store.StatusStarted, w.Status)
		assert.False(t, worktrees[*w.WorktreePath], "worktree shared between workers")
		assert.False(t, sessions[*w.SessionName], "session shared between workers")
		worktrees[*w.WorktreePath] = true
		sessions[*w.SessionName] = true
		totalStatusEvents += len(statusEvents(t, f.db, w.ID))
	}
	assert.Equal(t, n, totalStatusEvents, "exactly one status event per launch")
}

func TestLaunchIssueEnrichment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issue := 42
	f.issues.records[42] = &store.IssueRecord{
		Number: 42, RepoOwner: "acme", RepoName: "widgets",
		Title: "Fix the crash on empty input", Body: "Steps to reproduce: ...",
	}

	w, err := f.eng.Launch(ctx, LaunchSpec{Kind: store.KindCoding, Prompt: "fix it", Issue: &issue})
	require.NoError(t, err)

	sent := f.term.sentTo(*w.SessionName)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Fix the crash on empty input")
}

func TestLaunchIssueEnrichmentDegradesQuietly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issue := 99
	f.issues.err = swarmerr.HostingTimeoutErr("get issue")

	w, err := f.eng.Launch(ctx, LaunchSpec{Kind: store.KindCoding, Prompt: "fix it", Issue: &issue})
	require.NoError(t, err, "enrichment failure must not fail the launch")
	assert.Equal(t, store.StatusStarted, w.Status)
}

func TestLaunchForkRecordsEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	origin := f.launchCoding(t)

	fork, err := f.eng.Launch(ctx, LaunchSpec{
		Kind:   store.KindCoding,
		Prompt: "take a different approach",
		ForkOf: origin.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, *origin.Branch, *fork.BaseBranch, "fork branches from the origin's branch")

	rels, err := f.db.Relationships().ForWorker(ctx, fork.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, store.RelCreatedFork, rels[0].Kind)
	assert.Equal(t, origin.ID, rels[0].ParentID)
	assert.Equal(t, 1, rels[0].Iteration)
}

func TestLaunchPlannerRecordsEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	planner, err := f.eng.Launch(ctx, LaunchSpec{Kind: store.KindPlanning, Prompt: "break the work down"})
	require.NoError(t, err)

	issue := 7
	w, err := f.eng.Launch(ctx, LaunchSpec{
		Kind:    store.KindCoding,
		Prompt:  "implement task 7",
		Issue:   &issue,
		Planner: planner.ID,
	})
	require.NoError(t, err)

	rels, err := f.db.Relationships().ForWorker(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, store.RelPlanningToIssue, rels[0].Kind)
	assert.Contains(t, rels[0].Metadata, `"issue":7`)
}

func TestTerminateReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.launchCoding(t)
	session := *w.SessionName

	require.NoError(t, f.eng.Terminate(ctx, w.ID))

	got, err := f.db.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, got.Status)
	assert.Nil(t, got.WorktreePath)
	assert.Nil(t, got.SessionName)
	assert.Nil(t, got.LMPID)
	assert.Nil(t, got.ToolServerPID)
	require.NotNil(t, got.TerminatedAt)
	assert.WithinDuration(t, time.Now(), *got.TerminatedAt, time.Minute)

	assert.Contains(t, f.term.killed, session)
	assert.Empty(t, f.git.liveWorktrees())
	assert.Len(t, f.agent.terminatedTS, 1)
	assert.Len(t, f.agent.terminatedLM, 1)

	events := statusEvents(t, f.db, w.ID)
	require.Len(t, events, 2)
	assert.Equal(t, string(store.StatusTerminated), events[1].StatusChange)
	assert.Equal(t, "terminate", events[1].ToolName)

	requireConserved(t, f.db, w.ID)
}

func TestTerminateUnknownWorker(t *testing.T) {
	f := newFixture(t)
	err := f.eng.Terminate(context.Background(), "coding-nope")
	assert.True(t, swarmerr.IsCode(err, swarmerr.WorkflowInstanceNotFound))
}

func TestTerminateIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.launchCoding(t)
	require.NoError(t, f.eng.Terminate(ctx, w.ID))
	require.NoError(t, f.eng.Terminate(ctx, w.ID), "second terminate is a no-op")

	got, err := f.db.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, got.Status)

	events := statusEvents(t, f.db, w.ID)
	assert.Len(t, events, 2, "no extra status event from the retry")
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.launchCoding(t)
	f.agent.termTSErr = fmt.Errorf("process refused to die")

	err := f.eng.Terminate(ctx, w.ID)
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.WorkflowCleanupFailed))

	got, err := f.db.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, got.Status)
	assert.NotNil(t, got.ToolServerPID, "failed handle stays populated for retry")
	assert.Nil(t, got.LMPID, "later steps still ran")
	assert.Nil(t, got.SessionName)
	assert.Nil(t, got.WorktreePath)
	assert.Empty(t, f.git.liveWorktrees())

	cleanups := eventsNamed(t, f.db, w.ID, "cleanup")
	require.Len(t, cleanups, 1)
	assert.False(t, cleanups[0].Success)
	assert.Contains(t, cleanups[0].Error, "tool_server")

	requireConserved(t, f.db, w.ID)

	// The leaked handle can be retried once the process cooperates.
	f.agent.termTSErr = nil
	require.NoError(t, f.eng.Terminate(ctx, w.ID))
	got, err = f.db.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ToolServerPID)
}

func TestShutdownDrainsActiveWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		w, err := f.eng.Launch(ctx, LaunchSpec{Kind: store.KindCoding, Prompt: fmt.Sprintf("task %d", i)})
		require.NoError(t, err)
		ids = append(ids, w.ID)
	}

	require.NoError(t, f.eng.Shutdown(ctx))

	for _, id := range ids {
		w, err := f.db.Workers().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusTerminated, w.Status)
		requireConserved(t, f.db, id)
	}
	assert.Empty(t, f.git.liveWorktrees())
}

func TestEngineEventsPublished(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := f.eng.Events().Subscribe(ctx)
	w := f.launchCoding(t)

	deadline := time.After(2 * time.Second)
	var types []string
	for len(types) < 2 {
		select {
		case ev := <-sub:
			if ev.Payload.WorkerID == w.ID {
				types = append(types, string(ev.Payload.Type))
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, saw %v", types)
		}
	}
	assert.Contains(t, types, "status_change")
	assert.Contains(t, types, "launched")
}

func TestSessionNamesCarryPrefix(t *testing.T) {
	f := newFixture(t)
	w := f.launchCoding(t)
	assert.True(t, strings.HasPrefix(*w.SessionName, "swarm-"))
	assert.Equal(t, "swarm-"+w.ID, *w.SessionName)
}
