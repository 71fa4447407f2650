package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v59/github"
)

// ErrHeadChanged is returned by Merge when the pull request head moved away
// from the expected revision between fetching it and the merge attempt.
var ErrHeadChanged = errors.New("pull request head changed")

// Merge merges the pull request, guarded by the expected head revision.
// Github rejects the merge when the actual head differs from
// expectedHeadSHA, in that case an error wrapping ErrHeadChanged is
// returned. Retrying such a failure is wrong, the pull request content is
// not what was evaluated.
func (clt *Client) Merge(ctx context.Context, owner, repo string, prNumber int, mergeMethod, expectedHeadSHA string) error {
	result, _, err := clt.restClt.PullRequests.Merge(
		ctx, owner, repo, prNumber, "",
		&github.PullRequestOptions{
			MergeMethod: mergeMethod,
			SHA:         expectedHeadSHA,
		},
	)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrHeadChanged, respErr.Message)
		}

		return clt.wrapRetryableErrors(err)
	}

	if !result.GetMerged() {
		return fmt.Errorf("github merge response states the pull request was not merged: %s", result.GetMessage())
	}

	return nil
}
