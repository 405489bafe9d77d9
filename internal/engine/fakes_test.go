package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarmd/internal/agent"
	"github.com/zjrosen/swarmd/internal/git"
	"github.com/zjrosen/swarmd/internal/hosting"
	"github.com/zjrosen/swarmd/internal/prompts"
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/swarmerr"
	"github.com/zjrosen/swarmd/internal/term"
	"github.com/zjrosen/swarmd/internal/testutil"
)

// fakeGit keeps worktrees in a map so tests can assert nothing is orphaned.
type fakeGit struct {
	mu        sync.Mutex
	worktrees map[string]string // path -> branch
	removed   []string

	remote      *git.Remote
	validateErr error
	createErr   error
	removeErr   error
	patch       string
	diff        *git.DiffSummary
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		worktrees: make(map[string]string),
		remote:    &git.Remote{Host: "github.com", Owner: "acme", Name: "widgets"},
		diff:      &git.DiffSummary{},
	}
}

func (g *fakeGit) ValidateRepo(_ context.Context, repoPath string) (*git.Repo, error) {
	if g.validateErr != nil {
		return nil, g.validateErr
	}
	return &git.Repo{
		Path:          repoPath,
		CurrentBranch: "main",
		HeadCommit:    "abc1234",
		Clean:         true,
		Remote:        g.remote,
	}, nil
}

func (g *fakeGit) CreateWorktree(_ context.Context, spec git.WorktreeSpec) (*git.Worktree, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	branch := spec.Branch
	if branch == "" {
		branch = git.SanitizeBranchName("swarm/" + spec.Name)
	}
	p := path.Join("/worktrees", spec.Name)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.worktrees[p]; exists && !spec.Overwrite {
		return nil, swarmerr.GitBranchExistsErr(branch)
	}
	g.worktrees[p] = branch
	return &git.Worktree{Path: p, Branch: branch}, nil
}

func (g *fakeGit) RemoveWorktree(_ context.Context, p string) error {
	if g.removeErr != nil {
		return g.removeErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.worktrees, p)
	g.removed = append(g.removed, p)
	return nil
}

func (g *fakeGit) Diff(context.Context, string, string, string) (*git.DiffSummary, error) {
	return g.diff, nil
}

func (g *fakeGit) Patch(context.Context, string, string, string) (string, error) {
	return g.patch, nil
}

func (g *fakeGit) WorkingTreeClean(context.Context, string) (bool, error) {
	return true, nil
}

func (g *fakeGit) liveWorktrees() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for p := range g.worktrees {
		out = append(out, p)
	}
	return out
}

// fakeTerm tracks sessions and everything typed into them.
type fakeTerm struct {
	mu       sync.Mutex
	sessions map[string]bool
	sent     map[string][]string
	killed   []string

	createErr error
	sendErr   error
	killErr   error
	// sendErrFor fails SendKeys only for one session name.
	sendErrFor string
}

func newFakeTerm() *fakeTerm {
	return &fakeTerm{
		sessions: make(map[string]bool),
		sent:     make(map[string][]string),
	}
}

func (f *fakeTerm) Available() error { return nil }

func (f *fakeTerm) CreateSession(_ context.Context, spec term.CreateSpec) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[spec.Name] {
		return swarmerr.TermSessionExistsErr(spec.Name)
	}
	f.sessions[spec.Name] = true
	return nil
}

func (f *fakeTerm) KillSession(_ context.Context, name string, _ term.KillSpec) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeTerm) SendKeys(_ context.Context, name, text string, _ bool) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErrFor != "" && name == f.sendErrFor {
		return swarmerr.TermSessionNotFoundErr(name)
	}
	if !f.sessions[name] {
		return swarmerr.TermSessionNotFoundErr(name)
	}
	f.sent[name] = append(f.sent[name], text)
	return nil
}

func (f *fakeTerm) HasSession(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

func (f *fakeTerm) ListSessions(_ context.Context, glob string) ([]term.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(glob, "*")
	var out []term.Session
	for name := range f.sessions {
		if glob == "" || strings.HasPrefix(name, prefix) {
			out = append(out, term.Session{Name: name, Alive: true})
		}
	}
	return out, nil
}

func (f *fakeTerm) SessionInfo(_ context.Context, name string) (*term.Session, error) {
	if !f.HasSession(context.Background(), name) {
		return nil, swarmerr.TermSessionNotFoundErr(name)
	}
	return &term.Session{Name: name, Alive: true}, nil
}

func (f *fakeTerm) DisplayMessage(context.Context, string, string) (string, error) {
	return "12345", nil
}

func (f *fakeTerm) Attach(context.Context, string) error { return nil }

func (f *fakeTerm) sentTo(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[name]...)
}

// addSession plants a session, for orphan and recovery tests.
func (f *fakeTerm) addSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
}

func (f *fakeTerm) dropSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

// fakeAgent hands out sequential PIDs and records terminations.
type fakeAgent struct {
	mu           sync.Mutex
	nextPID      int
	toolServers  []agent.ToolServerSpec
	lms          []agent.LMSpec
	terminatedTS []int
	terminatedLM []int

	startTSErr error
	startLMErr error
	termTSErr  error
	termLMErr  error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{nextPID: 1000}
}

func (f *fakeAgent) LMAvailable() error { return nil }

func (f *fakeAgent) StartToolServer(_ context.Context, spec agent.ToolServerSpec) (*agent.ToolServerHandle, error) {
	if f.startTSErr != nil {
		return nil, f.startTSErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.toolServers = append(f.toolServers, spec)
	return &agent.ToolServerHandle{
		PID:      f.nextPID,
		Endpoint: fmt.Sprintf("http://127.0.0.1:%d/mcp", 40000+f.nextPID),
	}, nil
}

func (f *fakeAgent) StartLM(_ context.Context, spec agent.LMSpec) (*agent.LMHandle, error) {
	if f.startLMErr != nil {
		return nil, f.startLMErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.lms = append(f.lms, spec)
	return &agent.LMHandle{PID: f.nextPID, Session: spec.Session}, nil
}

func (f *fakeAgent) TerminateToolServer(_ context.Context, h *agent.ToolServerHandle) error {
	if f.termTSErr != nil {
		return f.termTSErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminatedTS = append(f.terminatedTS, h.PID)
	return nil
}

func (f *fakeAgent) TerminateLM(_ context.Context, h *agent.LMHandle) error {
	if f.termLMErr != nil {
		return f.termLMErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminatedLM = append(f.terminatedLM, h.PID)
	return nil
}

// fakeHosting records pull-request calls.
type fakeHosting struct {
	mu    sync.Mutex
	calls []hosting.PullRequestSpec
	pr    *hosting.PullRequest
	err   error
}

func newFakeHosting() *fakeHosting {
	return &fakeHosting{pr: &hosting.PullRequest{Number: 7, URL: "https://github.com/acme/widgets/pull/7"}}
}

func (f *fakeHosting) CreatePullRequest(_ context.Context, _, _ string, spec hosting.PullRequestSpec) (*hosting.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spec)
	if f.err != nil {
		return nil, f.err
	}
	return f.pr, nil
}

func (f *fakeHosting) GetIssue(context.Context, string, string, int) (*hosting.Issue, error) {
	return nil, swarmerr.HostingRequestFailedErr("get issue", fmt.Errorf("not wired in fake"))
}

func (f *fakeHosting) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeIssues serves prompt enrichment from a map.
type fakeIssues struct {
	mu      sync.Mutex
	records map[int]*store.IssueRecord
	err     error
}

func (f *fakeIssues) Get(_ context.Context, _, _ string, number int) (*store.IssueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[number]
	if !ok {
		return nil, swarmerr.StoreNotFoundErr("issue", fmt.Sprintf("#%d", number))
	}
	return rec, nil
}

// fixture wires an engine over fakes and a real temp-file store.
type fixture struct {
	db      *store.DB
	git     *fakeGit
	term    *fakeTerm
	agent   *fakeAgent
	hosting *fakeHosting
	issues  *fakeIssues
	eng     *Engine
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		db:      testutil.NewTestDB(t),
		git:     newFakeGit(),
		term:    newFakeTerm(),
		agent:   newFakeAgent(),
		hosting: newFakeHosting(),
		issues:  &fakeIssues{records: make(map[int]*store.IssueRecord)},
	}
	lib, err := prompts.Load("")
	require.NoError(t, err)

	opts := Options{
		RepoPath:       "/repo",
		DefaultBranch:  "main",
		SessionPrefix:  "swarm-",
		WorktreeMax:    10,
		SettleDelay:    time.Millisecond,
		OpTimeout:      5 * time.Second,
		LaunchTimeout:  5 * time.Second,
		KillTimeout:    10 * time.Millisecond,
		CleanupOnError: true,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	f.eng = New(f.db, Drivers{
		Git:     f.git,
		Term:    f.term,
		Agent:   f.agent,
		Hosting: f.hosting,
		Issues:  f.issues,
	}, lib, opts)
	t.Cleanup(f.eng.Close)
	return f
}

// launchCoding is the common scenario seed: one coding worker, started.
func (f *fixture) launchCoding(t *testing.T) *store.Worker {
	t.Helper()
	w, err := f.eng.Launch(context.Background(), LaunchSpec{
		Kind:   store.KindCoding,
		Prompt: "implement X",
	})
	require.NoError(t, err)
	return w
}

// statusEvents filters a worker's audit rows down to status transitions.
func statusEvents(t *testing.T, db *store.DB, workerID string) []*store.ToolEvent {
	t.Helper()
	events, err := db.ToolEvents().ForWorker(context.Background(), workerID)
	require.NoError(t, err)
	var out []*store.ToolEvent
	for _, ev := range events {
		if ev.IsStatusUpdating {
			out = append(out, ev)
		}
	}
	return out
}

// eventsNamed returns a worker's audit rows for one tool name.
func eventsNamed(t *testing.T, db *store.DB, workerID, tool string) []*store.ToolEvent {
	t.Helper()
	events, err := db.ToolEvents().ForWorker(context.Background(), workerID)
	require.NoError(t, err)
	var out []*store.ToolEvent
	for _, ev := range events {
		if ev.ToolName == tool {
			out = append(out, ev)
		}
	}
	return out
}

// requireConserved asserts the resource-conservation invariant for one row:
// non-terminal rows hold every handle; terminal rows hold none unless a
// cleanup event explains the leak.
func requireConserved(t *testing.T, db *store.DB, workerID string) {
	t.Helper()
	ctx := context.Background()
	w, err := db.Workers().Get(ctx, workerID)
	require.NoError(t, err)

	if !w.Status.IsTerminal() {
		require.True(t, w.HasAllHandles(),
			"active worker %s must hold all handles", w.ID)
		return
	}
	clean := w.WorktreePath == nil && w.SessionName == nil && w.LMPID == nil && w.ToolServerPID == nil
	if clean {
		return
	}
	for _, ev := range eventsNamed(t, db, workerID, "cleanup") {
		if !ev.Success && strings.Contains(ev.Error, string(swarmerr.WorkflowCleanupFailed)) {
			return
		}
	}
	t.Fatalf("terminal worker %s leaked handles without a cleanup-failed event", workerID)
}
