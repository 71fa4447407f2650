package githubclt

import (
	"context"
	"errors"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/depmerge/internal/logfields"
)

const reviewStatePending = "PENDING"

// ViewerLogin returns the login of the user the API token belongs to.
// The login is fetched once and cached, it can not change within the
// lifetime of the client.
func (clt *Client) ViewerLogin(ctx context.Context) (string, error) {
	clt.viewerMu.Lock()
	defer clt.viewerMu.Unlock()

	if clt.viewerLogin != "" {
		return clt.viewerLogin, nil
	}

	user, _, err := clt.restClt.Users.Get(ctx, "")
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	if user.GetLogin() == "" {
		return "", errors.New("github returned an empty login for the authenticated user")
	}

	clt.viewerLogin = user.GetLogin()

	return clt.viewerLogin, nil
}

// DeletePendingReviews deletes all pending reviews of the authenticated user
// on the pull request.
// A stale pending review would prevent submitting a new one.
func (clt *Client) DeletePendingReviews(ctx context.Context, owner, repo string, prNumber int) error {
	viewer, err := clt.ViewerLogin(ctx)
	if err != nil {
		return err
	}

	opts := github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := clt.restClt.PullRequests.ListReviews(ctx, owner, repo, prNumber, &opts)
		if err != nil {
			return clt.wrapRetryableErrors(err)
		}

		for _, review := range reviews {
			if review.GetState() != reviewStatePending || review.GetUser().GetLogin() != viewer {
				continue
			}

			_, _, err := clt.restClt.PullRequests.DeletePendingReview(ctx, owner, repo, prNumber, review.GetID())
			if err != nil {
				return clt.wrapRetryableErrors(err)
			}

			clt.logger.Debug(
				"deleted stale pending review",
				logfields.Event("github_pending_review_deleted"),
				logfields.RepositoryOwner(owner),
				logfields.Repository(repo),
				logfields.PullRequest(prNumber),
				zap.Int64("github.review_id", review.GetID()),
			)
		}

		if resp.NextPage == 0 {
			return nil
		}

		opts.Page = resp.NextPage
	}
}

// Approve submits an approving review for the pull request.
func (clt *Client) Approve(ctx context.Context, owner, repo string, prNumber int) error {
	_, _, err := clt.restClt.PullRequests.CreateReview(
		ctx, owner, repo, prNumber,
		&github.PullRequestReviewRequest{
			Event: github.String("APPROVE"),
		},
	)

	return clt.wrapRetryableErrors(err)
}
