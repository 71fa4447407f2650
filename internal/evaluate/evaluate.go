// Package evaluate runs the full decision flow for one pull request:
// actor gate, changed-file check, manifest diff and policy evaluation,
// followed by merge orchestration.
package evaluate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/depmerge/internal/githubclt"
	"github.com/simplesurance/depmerge/internal/logfields"
	"github.com/simplesurance/depmerge/internal/manifest"
	"github.com/simplesurance/depmerge/internal/merge"
	"github.com/simplesurance/depmerge/internal/policy"
)

const loggerName = "evaluator"

// GithubClient is the subset of the github client that policy evaluation
// needs, merge orchestration accesses the client through its own interface.
type GithubClient interface {
	PullRequestStatus(ctx context.Context, owner, repo string, prNumber int) (*githubclt.PullRequestStatus, error)
	ChangedFiles(ctx context.Context, owner, repo string, prNumber int) ([]githubclt.ChangedFile, error)
	FileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// Orchestrator drives an evaluated pull request to a terminal outcome.
type Orchestrator interface {
	Run(ctx context.Context, pr merge.PullRequest, decision policy.Decision) (merge.Outcome, error)
}

// Retryer runs client operations repeatedly while they fail with transient
// transport conditions.
type Retryer interface {
	Run(context.Context, func(context.Context) error, []zap.Field) error
}

// Config is the policy part of the depmerge configuration in evaluated form.
type Config struct {
	// AllowedActors restricts which pull request authors are evaluated.
	// An empty set permits all authors.
	AllowedActors  map[string]struct{}
	AllowedUpdates policy.AllowedUpdates
	Filters        policy.NameFilters
}

// Result is the reported end state of one depmerge run.
// Passed reflects the policy decision only, it is independent of whether
// merging was attempted or succeeded.
type Result struct {
	Passed   bool
	Decision policy.Decision
	Outcome  merge.Outcome
}

type Evaluator struct {
	clt          GithubClient
	retryer      Retryer
	orchestrator Orchestrator
	cfg          Config
	logger       *zap.Logger
}

func New(clt GithubClient, retryer Retryer, orchestrator Orchestrator, cfg Config) *Evaluator {
	return &Evaluator{
		clt:          clt,
		retryer:      retryer,
		orchestrator: orchestrator,
		cfg:          cfg,
		logger:       zap.L().Named(loggerName),
	}
}

// Run evaluates the pull request and orchestrates the merge.
// author is the pull request author when it is already known from the event
// payload, empty otherwise. A known disallowed author is rejected without a
// single API call.
// Policy rejections are reported in the Result, the returned error is
// non-nil only for hard failures.
func (e *Evaluator) Run(ctx context.Context, pr merge.PullRequest, author string) (*Result, error) {
	logger := e.logger.With(
		logfields.RepositoryOwner(pr.Owner),
		logfields.Repository(pr.Repo),
		logfields.PullRequest(pr.Number),
	)

	decision, err := e.decide(ctx, pr, author, logger)
	if err != nil {
		return nil, err
	}

	logger.Info(
		"policy evaluation finished",
		logfields.Event("policy_evaluated"),
		logfields.Decision(decision.String()),
	)

	outcome, err := e.orchestrator.Run(ctx, pr, decision)
	if err != nil {
		return nil, err
	}

	logger.Info(
		"orchestration finished",
		logfields.Event("orchestration_finished"),
		logfields.Outcome(outcome.String()),
	)

	return &Result{
		Passed:   decision.IsAccepted(),
		Decision: decision,
		Outcome:  outcome,
	}, nil
}

func (e *Evaluator) decide(ctx context.Context, pr merge.PullRequest, author string, logger *zap.Logger) (policy.Decision, error) {
	// the actor gate runs before anything else, pull requests of arbitrary
	// authors must not trigger any API call when the author is known from
	// the event payload
	if author != "" && !e.actorAllowed(author) {
		logger.Info(
			"pull request author is not an allowed actor",
			logfields.Event("actor_not_allowed"),
			logfields.Actor(author),
		)

		return policy.ActorNotAllowed, nil
	}

	status, err := e.fetchStatus(ctx, pr)
	if err != nil {
		return "", err
	}

	// re-check against the live author, it is the authoritative one and the
	// only one available when the pull request was given via flags
	if !e.actorAllowed(status.Author) {
		logger.Info(
			"pull request author is not an allowed actor",
			logfields.Event("actor_not_allowed"),
			logfields.Actor(status.Author),
		)

		return policy.ActorNotAllowed, nil
	}

	files, err := e.fetchChangedFiles(ctx, pr)
	if err != nil {
		return "", err
	}

	if decision := policy.CheckFiles(files); !decision.IsAccepted() {
		return decision, nil
	}

	if !containsManifest(files) {
		// only lockfiles changed, there is no manifest diff to judge
		return policy.Accepted, nil
	}

	base, err := e.fetchManifest(ctx, pr, status.BaseSHA)
	if err != nil {
		return "", err
	}

	head, err := e.fetchManifest(ctx, pr, status.HeadSHA)
	if err != nil {
		return "", err
	}

	return policy.EvaluateManifests(base, head, e.cfg.AllowedUpdates, e.cfg.Filters), nil
}

func (e *Evaluator) fetchStatus(ctx context.Context, pr merge.PullRequest) (*githubclt.PullRequestStatus, error) {
	var status *githubclt.PullRequestStatus

	err := e.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		status, err = e.clt.PullRequestStatus(ctx, pr.Owner, pr.Repo, pr.Number)
		return err
	}, e.prLogFields(pr))
	if err != nil {
		return nil, fmt.Errorf("fetching pull request state failed: %w", err)
	}

	return status, nil
}

func (e *Evaluator) fetchChangedFiles(ctx context.Context, pr merge.PullRequest) ([]policy.ChangedFile, error) {
	var changed []githubclt.ChangedFile

	err := e.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		changed, err = e.clt.ChangedFiles(ctx, pr.Owner, pr.Repo, pr.Number)
		return err
	}, e.prLogFields(pr))
	if err != nil {
		return nil, fmt.Errorf("fetching changed files failed: %w", err)
	}

	result := make([]policy.ChangedFile, 0, len(changed))
	for _, file := range changed {
		result = append(result, policy.ChangedFile{Name: file.Name, Status: file.Status})
	}

	return result, nil
}

func (e *Evaluator) fetchManifest(ctx context.Context, pr merge.PullRequest, ref string) (map[string]any, error) {
	var content []byte

	err := e.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		content, err = e.clt.FileContent(ctx, pr.Owner, pr.Repo, policy.ManifestFileName, ref)
		return err
	}, append(e.prLogFields(pr), logfields.Commit(ref)))
	if err != nil {
		return nil, fmt.Errorf("fetching %s at %s failed: %w", policy.ManifestFileName, ref, err)
	}

	snapshot, err := manifest.Decode(content)
	if err != nil {
		return nil, fmt.Errorf("decoding %s at %s failed: %w", policy.ManifestFileName, ref, err)
	}

	return snapshot, nil
}

func (e *Evaluator) actorAllowed(login string) bool {
	if len(e.cfg.AllowedActors) == 0 {
		return true
	}

	_, allowed := e.cfg.AllowedActors[login]
	return allowed
}

func containsManifest(files []policy.ChangedFile) bool {
	for _, file := range files {
		if file.Name == policy.ManifestFileName {
			return true
		}
	}

	return false
}

func (e *Evaluator) prLogFields(pr merge.PullRequest) []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(pr.Owner),
		logfields.Repository(pr.Repo),
		logfields.PullRequest(pr.Number),
	}
}
