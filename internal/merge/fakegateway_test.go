package merge

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/simplesurance/depmerge/internal/githubclt"
)

// fakeGateway is an in-memory Gateway for deterministic orchestrator tests.
// Pull request statuses are consumed from the statuses slice, one per fetch,
// the last entry repeats. Merge results are consumed from mergeErrs the same
// way, an exhausted slice means success.
type fakeGateway struct {
	mu sync.Mutex

	clk      clock.Clock
	statuses []*githubclt.PullRequestStatus
	// statusFetched is signalled on every PullRequestStatus call, tests
	// use it to advance the mock clock in lockstep with the poll loop.
	statusFetched chan struct{}
	fetchTimes    []time.Time

	mergeErrs  []error
	mergeSHAs  []string
	mergeCalls int

	viewer           string
	autoMergeAllowed bool
	autoMergeRequest *githubclt.AutoMergeRequest
	enableErr        error
	enabledSHAs      []string
	disabledNodeIDs  []string

	pendingReviewsDeleted int
	approvals             int
}

func newFakeGateway(clk clock.Clock) *fakeGateway {
	return &fakeGateway{
		clk:           clk,
		statusFetched: make(chan struct{}, 1024),
		viewer:        "depmerge-bot",
	}
}

func (f *fakeGateway) PullRequestStatus(context.Context, string, string, int) (*githubclt.PullRequestStatus, error) {
	f.mu.Lock()

	f.fetchTimes = append(f.fetchTimes, f.clk.Now())

	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}

	f.mu.Unlock()

	f.statusFetched <- struct{}{}

	return status, nil
}

func (f *fakeGateway) Merge(_ context.Context, _, _ string, _ int, _, expectedHeadSHA string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mergeCalls++
	f.mergeSHAs = append(f.mergeSHAs, expectedHeadSHA)

	if len(f.mergeErrs) == 0 {
		return nil
	}

	err := f.mergeErrs[0]
	f.mergeErrs = f.mergeErrs[1:]

	return err
}

func (f *fakeGateway) DeletePendingReviews(context.Context, string, string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pendingReviewsDeleted++

	return nil
}

func (f *fakeGateway) Approve(context.Context, string, string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.approvals++

	return nil
}

func (f *fakeGateway) AutoMergeAllowed(context.Context, string, string) (bool, error) {
	return f.autoMergeAllowed, nil
}

func (f *fakeGateway) AutoMergeRequest(context.Context, string, string, int) (*githubclt.AutoMergeRequest, error) {
	return f.autoMergeRequest, nil
}

func (f *fakeGateway) EnableAutoMerge(_ context.Context, _, _, expectedHeadSHA string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.enableErr != nil {
		return f.enableErr
	}

	f.enabledSHAs = append(f.enabledSHAs, expectedHeadSHA)

	return nil
}

func (f *fakeGateway) DisableAutoMerge(_ context.Context, prNodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disabledNodeIDs = append(f.disabledNodeIDs, prNodeID)

	return nil
}

func (f *fakeGateway) ViewerLogin(context.Context) (string, error) {
	return f.viewer, nil
}

func (f *fakeGateway) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.fetchTimes)
}
