// Package merge drives an eligible pull request to completion.
// It either registers the pull request for auto-merge at github or polls it
// until it becomes mergeable and merges it, bounded by a backoff schedule
// and an overall deadline.
// All writes to the pull request are guarded by the head revision that was
// fetched immediately before, a pull request whose content changed after
// policy evaluation is never merged.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/depmerge/internal/githubclt"
)

// Outcome is the terminal result of one orchestration run.
type Outcome string

const (
	// OutcomeRejected terminates runs for pull requests that did not pass
	// policy evaluation.
	OutcomeRejected Outcome = "rejected"
	// OutcomeAccepted terminates runs for accepted pull requests when
	// merging is disabled by configuration.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeMerged is reported when the pull request was merged.
	OutcomeMerged Outcome = "merged"
	// OutcomeAutoMergeEnabled is reported when the pull request was
	// registered for deferred merging at github.
	OutcomeAutoMergeEnabled Outcome = "auto_merge_enabled"
	// OutcomePRNotOpen is reported when the pull request was closed or
	// merged out of band.
	OutcomePRNotOpen Outcome = "pr_not_open"
	// OutcomePRHeadChanged is reported when the pull request head moved
	// between evaluation and the merge attempt.
	OutcomePRHeadChanged Outcome = "pr_head_changed"
)

func (o Outcome) String() string {
	return string(o)
}

// ErrAutoMergeUnsupported is a configuration error: use-auto-merge was
// enabled for a repository that does not allow auto-merge.
var ErrAutoMergeUnsupported = errors.New("repository does not allow auto-merge, the use-auto-merge setting can not be used with it")

// DeadlineExceededError is returned when the pull request did not reach a
// terminal outcome before the orchestration deadline.
// It is a hard failure, not a reported outcome.
type DeadlineExceededError struct {
	Deadline time.Duration
	Attempts uint
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf(
		"pull request did not reach a terminal state within %s, gave up after %d attempts",
		e.Deadline, e.Attempts,
	)
}

// PullRequest identifies the pull request that is orchestrated.
type PullRequest struct {
	Owner  string
	Repo   string
	Number int
}

func (p *PullRequest) String() string {
	return fmt.Sprintf("%s/%s#%d", p.Owner, p.Repo, p.Number)
}

// Gateway is the set of review-platform operations the orchestrator needs.
// githubclt.Client implements it, tests substitute an in-memory fake.
type Gateway interface {
	PullRequestStatus(ctx context.Context, owner, repo string, prNumber int) (*githubclt.PullRequestStatus, error)
	DeletePendingReviews(ctx context.Context, owner, repo string, prNumber int) error
	Approve(ctx context.Context, owner, repo string, prNumber int) error
	Merge(ctx context.Context, owner, repo string, prNumber int, mergeMethod, expectedHeadSHA string) error
	AutoMergeAllowed(ctx context.Context, owner, repo string) (bool, error)
	AutoMergeRequest(ctx context.Context, owner, repo string, prNumber int) (*githubclt.AutoMergeRequest, error)
	EnableAutoMerge(ctx context.Context, prNodeID, mergeMethod, expectedHeadSHA string) error
	DisableAutoMerge(ctx context.Context, prNodeID string) error
	ViewerLogin(ctx context.Context) (string, error)
}

// Retryer runs gateway operations repeatedly while they fail with transient
// transport conditions.
type Retryer interface {
	Run(context.Context, func(context.Context) error, []zap.Field) error
}
