package testutil

import (
	"strconv"
	"time"

	"github.com/zjrosen/swarmd/internal/store"
)

// WithStandardFleet adds a small mixed fleet covering every lifecycle corner:
// an active coding worker, one waiting on review, a planning worker, a
// completed worker with a merged PR, and a terminated review worker.
func (b *Builder) WithStandardFleet() *Builder {
	now := time.Now().UTC()
	yesterday := now.Add(-24 * time.Hour)

	return b.
		WithWorker("coding-active", store.KindCoding,
			Issue(101), SystemPrompt("Fix the login flow"),
			CreatedAt(yesterday), LastActivity(now)).
		WithWorker("coding-waiting", store.KindCoding,
			Status(store.StatusWaitingReview), Issue(102),
			CreatedAt(yesterday), LastActivity(yesterday)).
		WithWorker("planning-active", store.KindPlanning,
			SystemPrompt("Break down the dashboard epic"),
			CreatedAt(now), LastActivity(now)).
		WithWorker("coding-done", store.KindCoding,
			Status(store.StatusCompleted), Issue(99),
			PR(512, "https://github.com/acme/widgets/pull/512"),
			CreatedAt(yesterday), LastActivity(now)).
		WithWorker("review-dead", store.KindReview,
			Status(store.StatusTerminated), Parent("coding-done"),
			Branch("review/coding-done"), BaseBranch("swarm/coding-done"),
			CreatedAt(yesterday)).
		WithRelationship("coding-done", "review-dead", store.RelSpawnedReview, 1)
}

// WithReviewRound adds a coding parent under review and its active review
// child, linked at the given iteration. Earlier iterations get terminated
// children so NextIteration arithmetic can be exercised.
func (b *Builder) WithReviewRound(parentID, childID string, iteration int) *Builder {
	b.WithWorker(parentID, store.KindCoding,
		Status(store.StatusUnderReview), Issue(7))

	for i := 1; i < iteration; i++ {
		priorID := childID + "-prior-" + strconv.Itoa(i)
		b.WithWorker(priorID, store.KindReview,
			Status(store.StatusTerminated), Parent(parentID),
			Branch("review/"+parentID), BaseBranch("swarm/"+parentID))
		b.WithRelationship(parentID, priorID, store.RelSpawnedReview, i)
	}

	b.WithWorker(childID, store.KindReview,
		Parent(parentID),
		Branch("review/"+parentID), BaseBranch("swarm/"+parentID))
	b.WithRelationship(parentID, childID, store.RelSpawnedReview, iteration)
	return b
}

// WithAuditTrail adds a plausible event history for the given worker:
// a launch status change, a successful tool call, and one failure.
func (b *Builder) WithAuditTrail(workerID string) *Builder {
	return b.
		WithToolEvent(workerID, "launch_worker", StatusChange("started")).
		WithToolEvent(workerID, "request_review", Metadata(`{"description":"ready for a look"}`)).
		WithToolEvent(workerID, "create_pull_request", Failed("hosting request failed"))
}
