// Package hosting talks to the code-hosting provider. The orchestrator needs
// exactly two things from it: pull-request creation when a worker finishes,
// and issue lookup for prompt enrichment.
package hosting

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"

	"github.com/zjrosen/swarmd/internal/config"
	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// PullRequestSpec carries the verbatim PR fields. Empty title and body are
// allowed; the provider decides what to do with them.
type PullRequestSpec struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// PullRequest is the created PR's identity.
type PullRequest struct {
	Number int
	URL    string
}

// Issue is the subset of provider issue fields used for prompt enrichment.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Client is the hosting-provider surface the engine depends on.
type Client interface {
	CreatePullRequest(ctx context.Context, owner, repo string, spec PullRequestSpec) (*PullRequest, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
}

// GitHubClient implements Client against the GitHub REST API.
type GitHubClient struct {
	client  *github.Client
	timeout time.Duration
}

// NewGitHubClient builds an authenticated client from the hosting config.
// A non-empty APIURL switches to enterprise endpoints.
func NewGitHubClient(cfg config.HostingConfig) (*GitHubClient, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, swarmerr.HostingAuthErr("no hosting token configured")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	client := github.NewClient(tc)

	if cfg.APIURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.APIURL, cfg.APIURL)
		if err != nil {
			return nil, swarmerr.HostingRequestFailedErr("configure enterprise endpoint", err).
				WithDetail("api_url", cfg.APIURL)
		}
	}

	return &GitHubClient{client: client, timeout: cfg.Timeout()}, nil
}

// CreatePullRequest opens a PR for head into base.
func (c *GitHubClient) CreatePullRequest(ctx context.Context, owner, repo string, spec PullRequestSpec) (*PullRequest, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	pr, _, err := c.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &spec.Title,
		Body:  &spec.Body,
		Head:  &spec.Head,
		Base:  &spec.Base,
		Draft: &spec.Draft,
	})
	if err != nil {
		return nil, classify("create pull request", err)
	}

	log.Info(log.CatHosting, "pull request created",
		"repo", owner+"/"+repo, "number", pr.GetNumber(), "head", spec.Head, "base", spec.Base)
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

// GetIssue fetches one issue.
func (c *GitHubClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	issue, _, err := c.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify("get issue", err)
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return &Issue{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		Labels:    labels,
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
	}, nil
}

func (c *GitHubClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps transport failures into the hosting error codes.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return swarmerr.HostingTimeoutErr(op).WithCause(err)
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return swarmerr.HostingAuthErr("hosting provider rejected the token").WithCause(err)
		}
	}
	return swarmerr.HostingRequestFailedErr(op, err)
}
