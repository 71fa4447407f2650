package githubclt

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-github/v59/github"
)

// StateOpen is the state of a pull request that can still be merged.
const StateOpen = "open"

// PullRequestStatus is a point-in-time view of a pull request.
// State, Mergeable and HeadSHA change out of band, a status must be
// re-fetched immediately before every merge attempt and never be reused
// across attempts.
type PullRequestStatus struct {
	Number int
	// NodeID is the GraphQL identifier of the pull request, auto-merge
	// mutations address it.
	NodeID  string
	State   string
	Author  string
	HeadSHA string
	BaseSHA string
	// Mergeable is only valid when MergeableKnown is true. Github
	// computes mergeability asynchronously, directly after a push it is
	// unknown.
	Mergeable      bool
	MergeableKnown bool
}

// PullRequestStatus fetches the current state of a pull request.
func (clt *Client) PullRequestStatus(ctx context.Context, owner, repo string, prNumber int) (*PullRequestStatus, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	head := pr.GetHead()
	if head == nil || head.GetSHA() == "" {
		return nil, errors.New("got pull request object with empty head sha")
	}

	base := pr.GetBase()
	if base == nil || base.GetSHA() == "" {
		return nil, errors.New("got pull request object with empty base sha")
	}

	if pr.GetNodeID() == "" {
		return nil, errors.New("got pull request object with empty node id")
	}

	status := PullRequestStatus{
		Number:  pr.GetNumber(),
		NodeID:  pr.GetNodeID(),
		State:   pr.GetState(),
		Author:  pr.GetUser().GetLogin(),
		HeadSHA: head.GetSHA(),
		BaseSHA: base.GetSHA(),
	}

	if pr.Mergeable != nil {
		status.Mergeable = *pr.Mergeable
		status.MergeableKnown = true
	}

	return &status, nil
}

// ChangedFile is the name and change status of one file of a pull request.
type ChangedFile struct {
	Name   string
	Status string
}

// ChangedFiles returns name and status of all files the pull request
// changes.
func (clt *Client) ChangedFiles(ctx context.Context, owner, repo string, prNumber int) ([]ChangedFile, error) {
	var result []ChangedFile

	opts := github.ListOptions{PerPage: 100}
	for {
		files, resp, err := clt.restClt.PullRequests.ListFiles(ctx, owner, repo, prNumber, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, file := range files {
			result = append(result, ChangedFile{
				Name:   file.GetFilename(),
				Status: file.GetStatus(),
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// FileContent returns the decoded content of a file at a specific revision.
// Content that github delivers in an undecodable representation is a broken
// invariant and returned as a non-retryable error.
func (clt *Client) FileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	fileContent, _, _, err := clt.restClt.Repositories.GetContents(
		ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: ref},
	)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	if fileContent == nil {
		return nil, fmt.Errorf("%q at revision %q is not a file", path, ref)
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding content of %q at revision %q failed: %w", path, ref, err)
	}

	return []byte(content), nil
}
