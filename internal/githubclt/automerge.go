package githubclt

import (
	"context"
	"strings"

	"github.com/shurcooL/githubv4"
)

// AutoMergeAllowed returns true if the repository permits enabling
// auto-merge on pull requests.
func (clt *Client) AutoMergeAllowed(ctx context.Context, owner, repo string) (bool, error) {
	var q struct {
		Repository struct {
			AutoMergeAllowed githubv4.Boolean
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(repo),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return false, clt.wrapGraphQLRetryableErrors(err)
	}

	return bool(q.Repository.AutoMergeAllowed), nil
}

// AutoMergeRequest describes an active auto-merge registration on a pull
// request.
type AutoMergeRequest struct {
	// EnabledBy is the login of the user that registered the auto-merge.
	EnabledBy string
	// PullRequestID is the GraphQL identifier of the pull request.
	PullRequestID string
}

// AutoMergeRequest returns the active auto-merge registration of the pull
// request, or nil when auto-merge is not enabled on it.
func (clt *Client) AutoMergeRequest(ctx context.Context, owner, repo string, prNumber int) (*AutoMergeRequest, error) {
	var q struct {
		Repository struct {
			PullRequest struct {
				ID               string
				AutoMergeRequest struct {
					EnabledBy struct {
						Login string
					}
				}
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(prNumber),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	if q.Repository.PullRequest.AutoMergeRequest.EnabledBy.Login == "" {
		return nil, nil
	}

	return &AutoMergeRequest{
		EnabledBy:     q.Repository.PullRequest.AutoMergeRequest.EnabledBy.Login,
		PullRequestID: q.Repository.PullRequest.ID,
	}, nil
}

// EnableAutoMerge registers the pull request for auto-merge, guarded by the
// expected head revision.
// Registration fails when the pull request moved away from expectedHeadSHA
// or when it is already in a mergeable state.
func (clt *Client) EnableAutoMerge(ctx context.Context, prNodeID, mergeMethod, expectedHeadSHA string) error {
	var m struct {
		EnablePullRequestAutoMerge struct {
			PullRequest struct {
				Number githubv4.Int
			}
		} `graphql:"enablePullRequestAutoMerge(input: $input)"`
	}

	method := githubv4.PullRequestMergeMethod(strings.ToUpper(mergeMethod))
	expectedHeadOid := githubv4.GitObjectID(expectedHeadSHA)

	input := githubv4.EnablePullRequestAutoMergeInput{
		PullRequestID:   githubv4.ID(prNodeID),
		MergeMethod:     &method,
		ExpectedHeadOid: &expectedHeadOid,
	}

	return clt.wrapGraphQLRetryableErrors(clt.graphQLClt.Mutate(ctx, &m, input, nil))
}

// DisableAutoMerge removes an auto-merge registration from the pull request.
func (clt *Client) DisableAutoMerge(ctx context.Context, prNodeID string) error {
	var m struct {
		DisablePullRequestAutoMerge struct {
			PullRequest struct {
				Number githubv4.Int
			}
		} `graphql:"disablePullRequestAutoMerge(input: $input)"`
	}

	input := githubv4.DisablePullRequestAutoMergeInput{
		PullRequestID: githubv4.ID(prNodeID),
	}

	return clt.wrapGraphQLRetryableErrors(clt.graphQLClt.Mutate(ctx, &m, input, nil))
}
