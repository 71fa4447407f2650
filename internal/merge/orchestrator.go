package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/simplesurance/depmerge/internal/githubclt"
	"github.com/simplesurance/depmerge/internal/logfields"
	"github.com/simplesurance/depmerge/internal/policy"
)

const loggerName = "merge_orchestrator"

// DefaultDeadline bounds the wall-clock duration of one orchestration run.
const DefaultDeadline = 6 * time.Hour

// pollBackoff is the delay before the next poll attempt, indexed by attempt
// number. Attempts beyond the schedule hold at the last entry.
var pollBackoff = []time.Duration{
	1 * time.Second,
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	4 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

// Config are the orchestration settings of one depmerge run.
type Config struct {
	// Approve submits an approving review before merging.
	Approve bool
	// Merge enables merging, without it orchestration ends after the
	// optional approval.
	Merge bool
	// MergeMethod is passed through to the gateway, it must have been
	// validated before.
	MergeMethod string
	// UseAutoMerge registers the pull request for deferred merging at
	// github instead of polling and merging directly.
	UseAutoMerge bool
	// Deadline bounds one orchestration run, it defaults to
	// DefaultDeadline.
	Deadline time.Duration
	// Clock is the time source for the backoff delays and the deadline,
	// it defaults to the wall clock. Tests inject a mock.
	Clock clock.Clock
}

// Orchestrator drives a policy decision for a single pull request to a
// terminal outcome.
type Orchestrator struct {
	gateway Gateway
	retryer Retryer
	clock   clock.Clock
	logger  *zap.Logger
	cfg     Config
}

func NewOrchestrator(gateway Gateway, retryer Retryer, cfg Config) *Orchestrator {
	if cfg.Deadline == 0 {
		cfg.Deadline = DefaultDeadline
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Orchestrator{
		gateway: gateway,
		retryer: retryer,
		clock:   clk,
		logger:  zap.L().Named(loggerName),
		cfg:     cfg,
	}
}

// Run executes the merge state machine for the pull request.
// Rejected decisions terminate immediately, after disabling an auto-merge
// registration that this actor created earlier for the same pull request.
// Accepted decisions are driven to one of the terminal outcomes.
// The returned error is non-nil only for hard failures: configuration
// errors, broken gateway invariants and deadline exhaustion.
func (o *Orchestrator) Run(ctx context.Context, pr PullRequest, decision policy.Decision) (Outcome, error) {
	logger := o.logger.With(o.prLogFields(pr)...)

	if !decision.IsAccepted() {
		if err := o.disableStaleAutoMerge(ctx, pr, logger); err != nil {
			return "", err
		}

		return OutcomeRejected, nil
	}

	if o.cfg.Approve {
		if err := o.approve(ctx, pr, logger); err != nil {
			return "", err
		}
	}

	if !o.cfg.Merge {
		logger.Info(
			"pull request accepted, merging is disabled",
			logfields.Event("merge_disabled"),
		)

		return OutcomeAccepted, nil
	}

	if o.cfg.UseAutoMerge {
		return o.registerAutoMerge(ctx, pr, logger)
	}

	return o.pollAndMerge(ctx, pr, logger)
}

// disableStaleAutoMerge removes an auto-merge registration that was created
// by this actor identity earlier.
// Without it a pull request that drifted out of policy since the last
// evaluation would still merge silently once its checks pass.
func (o *Orchestrator) disableStaleAutoMerge(ctx context.Context, pr PullRequest, logger *zap.Logger) error {
	var request *githubclt.AutoMergeRequest

	err := o.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		request, err = o.gateway.AutoMergeRequest(ctx, pr.Owner, pr.Repo, pr.Number)
		return err
	}, o.prLogFields(pr))
	if err != nil {
		return fmt.Errorf("querying auto-merge state failed: %w", err)
	}

	if request == nil {
		return nil
	}

	viewer, err := o.viewerLogin(ctx, pr)
	if err != nil {
		return err
	}

	if request.EnabledBy != viewer {
		logger.Debug(
			"auto-merge was enabled by another user, leaving it untouched",
			logfields.Event("automerge_foreign_registration_kept"),
			logfields.Actor(request.EnabledBy),
		)

		return nil
	}

	err = o.retryer.Run(ctx, func(ctx context.Context) error {
		return o.gateway.DisableAutoMerge(ctx, request.PullRequestID)
	}, o.prLogFields(pr))
	if err != nil {
		return fmt.Errorf("disabling auto-merge failed: %w", err)
	}

	logger.Info(
		"disabled stale auto-merge registration",
		logfields.Event("automerge_disabled"),
	)

	return nil
}

// approve deletes pending reviews of this actor and submits a single
// approving review.
func (o *Orchestrator) approve(ctx context.Context, pr PullRequest, logger *zap.Logger) error {
	err := o.retryer.Run(ctx, func(ctx context.Context) error {
		return o.gateway.DeletePendingReviews(ctx, pr.Owner, pr.Repo, pr.Number)
	}, o.prLogFields(pr))
	if err != nil {
		return fmt.Errorf("deleting pending reviews failed: %w", err)
	}

	err = o.retryer.Run(ctx, func(ctx context.Context) error {
		return o.gateway.Approve(ctx, pr.Owner, pr.Repo, pr.Number)
	}, o.prLogFields(pr))
	if err != nil {
		return fmt.Errorf("submitting approving review failed: %w", err)
	}

	logger.Info(
		"submitted approving review",
		logfields.Event("review_approved"),
	)

	return nil
}

// registerAutoMerge enables deferred merging for the pull request, guarded
// by its current head revision.
// When registration fails, one direct merge attempt decides the outcome:
// the common failure cause is that the pull request is already mergeable,
// github refuses auto-merge for it.
func (o *Orchestrator) registerAutoMerge(ctx context.Context, pr PullRequest, logger *zap.Logger) (Outcome, error) {
	var allowed bool

	err := o.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		allowed, err = o.gateway.AutoMergeAllowed(ctx, pr.Owner, pr.Repo)
		return err
	}, o.prLogFields(pr))
	if err != nil {
		return "", fmt.Errorf("querying repository auto-merge capability failed: %w", err)
	}

	if !allowed {
		return "", ErrAutoMergeUnsupported
	}

	status, err := o.fetchStatus(ctx, pr)
	if err != nil {
		return "", err
	}

	if status.State != githubclt.StateOpen {
		return OutcomePRNotOpen, nil
	}

	err = o.retryer.Run(ctx, func(ctx context.Context) error {
		return o.gateway.EnableAutoMerge(ctx, status.NodeID, o.cfg.MergeMethod, status.HeadSHA)
	}, o.prLogFields(pr))
	if err == nil {
		logger.Info(
			"auto-merge enabled",
			logfields.Event("automerge_enabled"),
			logfields.Commit(status.HeadSHA),
		)

		return OutcomeAutoMergeEnabled, nil
	}

	logger.Info(
		"enabling auto-merge failed, attempting direct merge",
		logfields.Event("automerge_enable_failed"),
		zap.Error(err),
	)

	return o.mergeOnce(ctx, pr, logger)
}

// mergeOnce runs a single revision-guarded merge attempt.
func (o *Orchestrator) mergeOnce(ctx context.Context, pr PullRequest, logger *zap.Logger) (Outcome, error) {
	status, err := o.fetchStatus(ctx, pr)
	if err != nil {
		return "", err
	}

	if status.State != githubclt.StateOpen {
		return OutcomePRNotOpen, nil
	}

	err = o.merge(ctx, pr, status.HeadSHA)
	if errors.Is(err, githubclt.ErrHeadChanged) {
		return OutcomePRHeadChanged, nil
	}

	if err != nil {
		return "", fmt.Errorf("merging pull request failed: %w", err)
	}

	logger.Info(
		"pull request merged",
		logfields.Event("pull_request_merged"),
		logfields.Commit(status.HeadSHA),
	)

	return OutcomeMerged, nil
}

// pollAndMerge re-fetches the live pull request state and merges it as soon
// as github reports it mergeable.
// Mergeability is computed asynchronously by github and is stale almost
// immediately, a previous fetch must never drive a merge attempt. Every
// attempt is therefore guarded by the head revision of the fetch directly
// before it, a revision conflict terminates the run.
func (o *Orchestrator) pollAndMerge(ctx context.Context, pr PullRequest, logger *zap.Logger) (Outcome, error) {
	startTime := o.clock.Now()
	deadline := startTime.Add(o.cfg.Deadline)

	var attempt uint

	for {
		if !o.clock.Now().Before(deadline) {
			return "", &DeadlineExceededError{
				Deadline: o.cfg.Deadline,
				Attempts: attempt,
			}
		}

		status, err := o.fetchStatus(ctx, pr)
		if err != nil {
			return "", err
		}

		if status.State != githubclt.StateOpen {
			logger.Info(
				"pull request is not open anymore",
				logfields.Event("pull_request_not_open"),
			)

			return OutcomePRNotOpen, nil
		}

		if status.MergeableKnown && status.Mergeable {
			err := o.merge(ctx, pr, status.HeadSHA)
			if err == nil {
				logger.Info(
					"pull request merged",
					logfields.Event("pull_request_merged"),
					logfields.Commit(status.HeadSHA),
				)

				return OutcomeMerged, nil
			}

			if errors.Is(err, githubclt.ErrHeadChanged) {
				logger.Info(
					"pull request head changed since evaluation, not retrying",
					logfields.Event("pull_request_head_changed"),
					logfields.Commit(status.HeadSHA),
				)

				return OutcomePRHeadChanged, nil
			}

			logger.Info(
				"merge attempt failed, retrying",
				logfields.Event("merge_attempt_failed"),
				zap.Error(err),
			)
		} else {
			logger.Debug(
				"pull request is not mergeable yet",
				logfields.Event("pull_request_not_mergeable"),
				zap.Bool("github.mergeable_known", status.MergeableKnown),
			)
		}

		delay := pollBackoff[len(pollBackoff)-1]
		if int(attempt) < len(pollBackoff) {
			delay = pollBackoff[attempt]
		}
		attempt++

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-o.clock.After(delay):
		}
	}
}

// merge runs a revision-guarded merge attempt through the retryer, transient
// transport conditions like rate limiting are retried beneath the poll loop
// and honor the earliest-retry time.
// A head revision conflict is not retryable, it surfaces unchanged.
func (o *Orchestrator) merge(ctx context.Context, pr PullRequest, expectedHeadSHA string) error {
	return o.retryer.Run(ctx, func(ctx context.Context) error {
		return o.gateway.Merge(ctx, pr.Owner, pr.Repo, pr.Number, o.cfg.MergeMethod, expectedHeadSHA)
	}, o.prLogFields(pr))
}

func (o *Orchestrator) fetchStatus(ctx context.Context, pr PullRequest) (*githubclt.PullRequestStatus, error) {
	var status *githubclt.PullRequestStatus

	err := o.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		status, err = o.gateway.PullRequestStatus(ctx, pr.Owner, pr.Repo, pr.Number)
		return err
	}, o.prLogFields(pr))
	if err != nil {
		return nil, fmt.Errorf("fetching pull request state failed: %w", err)
	}

	return status, nil
}

func (o *Orchestrator) viewerLogin(ctx context.Context, pr PullRequest) (string, error) {
	var viewer string

	err := o.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		viewer, err = o.gateway.ViewerLogin(ctx)
		return err
	}, o.prLogFields(pr))
	if err != nil {
		return "", fmt.Errorf("resolving authenticated user failed: %w", err)
	}

	return viewer, nil
}

func (o *Orchestrator) prLogFields(pr PullRequest) []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(pr.Owner),
		logfields.Repository(pr.Repo),
		logfields.PullRequest(pr.Number),
	}
}
