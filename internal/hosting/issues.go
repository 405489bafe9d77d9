package hosting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/swarmd/internal/cachemanager"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/store"
)

// DefaultIssueStaleAfter is how long a database-cached issue stays usable
// before the next lookup goes back to the provider.
const DefaultIssueStaleAfter = 15 * time.Minute

// issueMemoryTTL bounds the in-process cache; the database row is the
// durable layer underneath it.
const issueMemoryTTL = 5 * time.Minute

type issueQuery struct {
	owner  string
	repo   string
	number int
}

// IssueService resolves issues through three layers: in-process cache,
// the local issues table, then the provider API. Provider failures degrade
// to the stale database copy when one exists.
type IssueService struct {
	client     Client
	issues     *store.IssueRepository
	staleAfter time.Duration
	cache      *cachemanager.ReadThroughCache[string, *store.IssueRecord, issueQuery]
}

// NewIssueService wires an IssueService over the given client and repository.
func NewIssueService(client Client, issues *store.IssueRepository, staleAfter time.Duration) *IssueService {
	if staleAfter <= 0 {
		staleAfter = DefaultIssueStaleAfter
	}
	s := &IssueService{
		client:     client,
		issues:     issues,
		staleAfter: staleAfter,
	}
	manager := cachemanager.NewInMemoryCacheManager[string, *store.IssueRecord](
		"hosting-issues", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	s.cache = cachemanager.NewReadThroughCache[string, *store.IssueRecord, issueQuery](manager, s.load, false)
	return s
}

// Get returns the issue, preferring cached copies.
func (s *IssueService) Get(ctx context.Context, owner, repo string, number int) (*store.IssueRecord, error) {
	key := fmt.Sprintf("%s/%s#%d", owner, repo, number)
	return s.cache.Get(ctx, key, issueQuery{owner: owner, repo: repo, number: number}, issueMemoryTTL)
}

// load is the read-through loader: database row when fresh, otherwise the
// provider with write-back, otherwise the stale row.
func (s *IssueService) load(ctx context.Context, q issueQuery) (*store.IssueRecord, error) {
	cached, err := s.issues.Get(ctx, q.owner, q.repo, q.number)
	if err == nil && time.Since(cached.SyncedAt) < s.staleAfter {
		return cached, nil
	}

	issue, apiErr := s.client.GetIssue(ctx, q.owner, q.repo, q.number)
	if apiErr != nil {
		if cached != nil {
			log.Warn(log.CatHosting, "issue fetch failed, serving stale copy",
				"issue", q.number, "synced_at", cached.SyncedAt, "error", apiErr)
			return cached, nil
		}
		return nil, apiErr
	}

	rec := &store.IssueRecord{
		Number:    issue.Number,
		RepoOwner: q.owner,
		RepoName:  q.repo,
		Title:     issue.Title,
		Body:      issue.Body,
		State:     issue.State,
		Labels:    strings.Join(issue.Labels, ","),
		CreatedAt: issue.CreatedAt,
		UpdatedAt: issue.UpdatedAt,
	}
	if err := s.issues.Upsert(ctx, rec); err != nil {
		// The caller still gets the issue; only the durable cache missed out.
		log.Warn(log.CatHosting, "issue cache write failed", "issue", q.number, "error", err)
	}
	return rec, nil
}
