// Package store persists workers, relationships, tool events, cached issues,
// and orchestrator configuration in SQLite. Multi-row mutations run through
// InTx; every repository method is safe for concurrent use across processes
// because the database runs in WAL mode with a busy timeout.
package store

import (
	"time"
)

// WorkerKind selects the playbook a worker runs.
type WorkerKind string

const (
	KindCoding   WorkerKind = "coding"
	KindReview   WorkerKind = "review"
	KindPlanning WorkerKind = "planning"
)

// Valid reports whether the kind is one of the three known kinds.
func (k WorkerKind) Valid() bool {
	switch k {
	case KindCoding, KindReview, KindPlanning:
		return true
	}
	return false
}

// WorkerStatus tracks a worker through its lifecycle.
type WorkerStatus string

const (
	StatusStarted          WorkerStatus = "started"
	StatusWaitingReview    WorkerStatus = "waiting_review"
	StatusUnderReview      WorkerStatus = "under_review"
	StatusFeedbackReceived WorkerStatus = "feedback_received"
	StatusCreatingPR       WorkerStatus = "creating_pr"
	StatusCompleted        WorkerStatus = "completed"
	StatusTerminated       WorkerStatus = "terminated"
	StatusFailed           WorkerStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s WorkerStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusFailed:
		return true
	}
	return false
}

// IsActive is the complement of IsTerminal for rows that exist.
func (s WorkerStatus) IsActive() bool {
	return s != "" && !s.IsTerminal()
}

// Worker is one orchestrated agent with its four resource handles.
// Handles are pointers: nil means not yet acquired or already released.
type Worker struct {
	ID            string
	Kind          WorkerKind
	Status        WorkerStatus
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
	CreatedAt     time.Time
	LastActivity  time.Time
	TerminatedAt  *time.Time
}

// HasAllHandles reports whether worktree, branch, session, and the two
// subprocess PIDs are populated. Non-terminal workers must satisfy this
// after launch finalization.
func (w *Worker) HasAllHandles() bool {
	return w.WorktreePath != nil && *w.WorktreePath != "" &&
		w.Branch != nil && *w.Branch != "" &&
		w.SessionName != nil && *w.SessionName != "" &&
		w.LMPID != nil && w.ToolServerPID != nil
}

// RelationshipKind labels an edge between two workers.
type RelationshipKind string

const (
	RelSpawnedReview   RelationshipKind = "spawned_review"
	RelCreatedFork     RelationshipKind = "created_fork"
	RelPlanningToIssue RelationshipKind = "planning_to_issue"
)

// Relationship is a parent→child edge with a per-(parent, kind) iteration
// counter. The unique index on (parent, child, kind, iteration) makes
// duplicate recording impossible.
type Relationship struct {
	ID        int64
	ParentID  string
	ChildID   string
	Kind      RelationshipKind
	Iteration int
	Metadata  string
	CreatedAt time.Time
}

// ToolEvent is one append-only audit row. Engine status transitions write
// exactly one event with IsStatusUpdating set.
type ToolEvent struct {
	ID               int64
	WorkerID         string
	ToolName         string
	Success          bool
	Error            string
	Metadata         string
	GitCommitHash    string
	StatusChange     string
	IsStatusUpdating bool
	Timestamp        time.Time
}

// IssueRecord caches a hosting-provider issue locally.
type IssueRecord struct {
	Number    int
	RepoOwner string
	RepoName  string
	Title     string
	Body      string
	State     string
	Labels    string
	CreatedAt time.Time
	UpdatedAt time.Time
	SyncedAt  time.Time
}

// ConfigEntry is one orchestrator-scoped key/value setting.
type ConfigEntry struct {
	Key       string
	Value     string
	Encrypted bool
	UpdatedAt time.Time
}

// Timestamps are stored as UTC RFC3339Nano text in DATETIME columns so rows
// stay readable with the sqlite3 CLI and portable across drivers.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate second-precision rows written by other tooling.
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
