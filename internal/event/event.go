// Package event parses GitHub pull_request webhook payloads, as they are
// delivered in workflow event files, into the pull request reference that a
// depmerge run operates on.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/go-github/v59/github"
)

// Target identifies the pull request that an event refers to.
type Target struct {
	Owner  string
	Repo   string
	Number int
	// Author is the login of the pull request author.
	Author string
	// Actor is the login that triggered the event, it can differ from the
	// pull request author.
	Actor string
}

// ParsePullRequestEvent extracts the pull request reference from a
// pull_request event payload.
// Payloads of other event types or with missing repository or pull request
// information are rejected.
func ParsePullRequestEvent(payload []byte) (*Target, error) {
	var ev github.PullRequestEvent

	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decoding event payload failed: %w", err)
	}

	if ev.GetPullRequest() == nil {
		return nil, errors.New("event payload does not describe a pull request")
	}

	repo := ev.GetRepo()
	if repo.GetName() == "" || repo.GetOwner().GetLogin() == "" {
		return nil, errors.New("event payload is missing the repository identification")
	}

	number := ev.GetPullRequest().GetNumber()
	if number <= 0 {
		return nil, errors.New("event payload is missing the pull request number")
	}

	return &Target{
		Owner:  repo.GetOwner().GetLogin(),
		Repo:   repo.GetName(),
		Number: number,
		Author: ev.GetPullRequest().GetUser().GetLogin(),
		Actor:  ev.GetSender().GetLogin(),
	}, nil
}
