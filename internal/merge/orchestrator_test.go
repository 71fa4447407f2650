package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/depmerge/internal/githubclt"
	"github.com/simplesurance/depmerge/internal/policy"
	"github.com/simplesurance/depmerge/internal/retry"
	"github.com/simplesurance/depmerge/internal/retryerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testPR = PullRequest{Owner: "testman", Repo: "repo", Number: 1}

func openPR(headSHA string, mergeable, mergeableKnown bool) *githubclt.PullRequestStatus {
	return &githubclt.PullRequestStatus{
		Number:         testPR.Number,
		NodeID:         "PR_node1",
		State:          githubclt.StateOpen,
		Author:         "dependabot[bot]",
		HeadSHA:        headSHA,
		BaseSHA:        "basesha",
		Mergeable:      mergeable,
		MergeableKnown: mergeableKnown,
	}
}

func closedPR(headSHA string) *githubclt.PullRequestStatus {
	status := openPR(headSHA, false, true)
	status.State = "closed"

	return status
}

// startPollAdvancer moves the mock clock forward by the poll backoff
// schedule, one step per observed status fetch, mirroring what wall-clock
// time would do between polls.
// The returned function stops the advancer and waits for its termination.
func startPollAdvancer(clk *clock.Mock, gateway *fakeGateway) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)

		var attempt int
		for {
			select {
			case <-stopCh:
				return

			case <-gateway.statusFetched:
				// give the orchestrator time to reach its
				// backoff sleep before firing it
				time.Sleep(20 * time.Millisecond)

				delay := pollBackoff[len(pollBackoff)-1]
				if attempt < len(pollBackoff) {
					delay = pollBackoff[attempt]
				}
				attempt++

				clk.Add(delay)
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

func newTestOrchestrator(t *testing.T, gateway *fakeGateway, cfg Config) *Orchestrator {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	return NewOrchestrator(gateway, retry.NewRetryer(), cfg)
}

func TestPollMergesAfterBackoff(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.statuses = []*githubclt.PullRequestStatus{
		openPR("head1", false, true),
		openPR("head1", false, true),
		openPR("head1", false, true),
		openPR("head4", true, true),
	}

	orchestrator := newTestOrchestrator(t, gateway, Config{Merge: true, MergeMethod: "squash", Clock: clk})

	stop := startPollAdvancer(clk, gateway)
	defer stop()

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome)

	require.Equal(t, 4, gateway.fetchCount())
	// 3 not-mergeable polls consume exactly the first 3 backoff entries
	elapsed := gateway.fetchTimes[3].Sub(gateway.fetchTimes[0])
	assert.Equal(t, 3*time.Second, elapsed)

	// the merge must be guarded by the head revision of the fetch
	// directly before it
	assert.Equal(t, []string{"head4"}, gateway.mergeSHAs)
}

func TestPollTreatsUnknownMergeabilityAsNotMergeable(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.statuses = []*githubclt.PullRequestStatus{
		openPR("head1", false, false),
		openPR("head1", true, true),
	}

	orchestrator := newTestOrchestrator(t, gateway, Config{Merge: true, MergeMethod: "merge", Clock: clk})

	stop := startPollAdvancer(clk, gateway)
	defer stop()

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome)
	assert.Equal(t, 2, gateway.fetchCount())
}

func TestPollHeadChangeTerminatesImmediately(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.statuses = []*githubclt.PullRequestStatus{openPR("head1", true, true)}
	gateway.mergeErrs = []error{fmt.Errorf("%w: expected head sha did not match", githubclt.ErrHeadChanged)}

	orchestrator := newTestOrchestrator(t, gateway, Config{Merge: true, MergeMethod: "squash", Clock: clk})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	require.NoError(t, err)
	assert.Equal(t, OutcomePRHeadChanged, outcome)
	assert.Equal(t, 1, gateway.fetchCount())
	assert.Equal(t, 1, gateway.mergeCalls)
}

func TestPollRetriesNonConflictMergeFailure(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.statuses = []*githubclt.PullRequestStatus{openPR("head1", true, true)}
	gateway.mergeErrs = []error{errors.New("405 pull request is not mergeable")}

	orchestrator := newTestOrchestrator(t, gateway, Config{Merge: true, MergeMethod: "squash", Clock: clk})

	stop := startPollAdvancer(clk, gateway)
	defer stop()

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome)
	assert.Equal(t, 2, gateway.mergeCalls)
	assert.Equal(t, 2, gateway.fetchCount())

	elapsed := gateway.fetchTimes[1].Sub(gateway.fetchTimes[0])
	assert.Equal(t, time.Second, elapsed)
}

func TestPollRetryableMergeFailureIsRetriedBeneathTheLoop(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.statuses = []*githubclt.PullRequestStatus{openPR("head1", true, true)}
	gateway.mergeErrs = []error{retryerr.WrapAnytime(errors.New("secondary rate limit"))}

	orchestrator := newTestOrchestrator(t, gateway, Config{Merge: true, MergeMethod: "squash", Clock: clk})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome)
	// the transient failure is handled by the retryer, the pull request is
	// not re-polled for it
	assert.Equal(t, 2, gateway.mergeCalls)
	assert.Equal(t, 1, gateway.fetchCount())
}

func TestPollClosedPRTerminates(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.statuses = []*githubclt.PullRequestStatus{closedPR("head1")}

	orchestrator := newTestOrchestrator(t, gateway, Config{Merge: true, MergeMethod: "squash", Clock: clk})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	require.NoError(t, err)
	assert.Equal(t, OutcomePRNotOpen, outcome)
	assert.Equal(t, 0, gateway.mergeCalls)
}

func TestPollDeadlineExhaustionIsFatal(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.statuses = []*githubclt.PullRequestStatus{openPR("head1", false, true)}

	orchestrator := newTestOrchestrator(t, gateway, Config{
		Merge:       true,
		MergeMethod: "squash",
		Deadline:    5 * time.Second,
		Clock:       clk,
	})

	stop := startPollAdvancer(clk, gateway)
	defer stop()

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	// deadline exhaustion surfaces as a hard failure, never as an outcome
	assert.Empty(t, outcome)

	var deadlineErr *DeadlineExceededError
	require.ErrorAs(t, err, &deadlineErr)
	assert.Equal(t, 5*time.Second, deadlineErr.Deadline)
	assert.Equal(t, uint(4), deadlineErr.Attempts)
	assert.Equal(t, 0, gateway.mergeCalls)
}

func TestRejectedDisablesOwnAutoMerge(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.autoMergeRequest = &githubclt.AutoMergeRequest{
		EnabledBy:     gateway.viewer,
		PullRequestID: "PR_node1",
	}

	orchestrator := newTestOrchestrator(t, gateway, Config{Merge: true, MergeMethod: "squash", Clock: clk})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.VersionChangeNotAllowed)

	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, []string{"PR_node1"}, gateway.disabledNodeIDs)
}

func TestRejectedKeepsForeignAutoMerge(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.autoMergeRequest = &githubclt.AutoMergeRequest{
		EnabledBy:     "someone-else",
		PullRequestID: "PR_node1",
	}

	orchestrator := newTestOrchestrator(t, gateway, Config{Merge: true, MergeMethod: "squash", Clock: clk})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.UnexpectedChanges)

	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Empty(t, gateway.disabledNodeIDs)
}

func TestRejectedWithoutAutoMergeRegistration(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)

	orchestrator := newTestOrchestrator(t, gateway, Config{Merge: true, MergeMethod: "squash", Clock: clk})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.FileNotAllowed)

	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Empty(t, gateway.disabledNodeIDs)
	assert.Equal(t, 0, gateway.fetchCount())
}

func TestApproveWithoutMerge(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)

	orchestrator := newTestOrchestrator(t, gateway, Config{Approve: true, Clock: clk})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, 1, gateway.pendingReviewsDeleted)
	assert.Equal(t, 1, gateway.approvals)
	assert.Equal(t, 0, gateway.mergeCalls)
}

func TestAutoMergeEnabled(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.autoMergeAllowed = true
	gateway.statuses = []*githubclt.PullRequestStatus{openPR("head9", false, false)}

	orchestrator := newTestOrchestrator(t, gateway, Config{
		Merge:        true,
		MergeMethod:  "squash",
		UseAutoMerge: true,
		Clock:        clk,
	})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoMergeEnabled, outcome)
	assert.Equal(t, []string{"head9"}, gateway.enabledSHAs)
	assert.Equal(t, 0, gateway.mergeCalls)
}

func TestAutoMergeUnsupportedRepositoryIsFatal(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.autoMergeAllowed = false

	orchestrator := newTestOrchestrator(t, gateway, Config{
		Merge:        true,
		MergeMethod:  "squash",
		UseAutoMerge: true,
		Clock:        clk,
	})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	assert.Empty(t, outcome)
	assert.ErrorIs(t, err, ErrAutoMergeUnsupported)
}

func TestAutoMergeRegistrationFailureFallsBackToDirectMerge(t *testing.T) {
	clk := clock.NewMock()
	gateway := newFakeGateway(clk)
	gateway.autoMergeAllowed = true
	gateway.enableErr = errors.New("pull request is in clean status")
	gateway.statuses = []*githubclt.PullRequestStatus{openPR("head9", true, true)}

	orchestrator := newTestOrchestrator(t, gateway, Config{
		Merge:        true,
		MergeMethod:  "squash",
		UseAutoMerge: true,
		Clock:        clk,
	})

	outcome, err := orchestrator.Run(context.Background(), testPR, policy.Accepted)

	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome)
	assert.Equal(t, []string{"head9"}, gateway.mergeSHAs)
	assert.Equal(t, 2, gateway.fetchCount())
}

func TestNewOrchestratorDefaults(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	orchestrator := NewOrchestrator(newFakeGateway(clock.NewMock()), retry.NewRetryer(), Config{})

	assert.Equal(t, DefaultDeadline, orchestrator.cfg.Deadline)
	assert.NotNil(t, orchestrator.clock)
}

func TestPollBackoffSchedule(t *testing.T) {
	expected := []time.Duration{
		1 * time.Second, 1 * time.Second, 1 * time.Second,
		2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second,
		10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second,
	}

	assert.Equal(t, expected, pollBackoff)
	assert.Equal(t, 6*time.Hour, DefaultDeadline)
}
