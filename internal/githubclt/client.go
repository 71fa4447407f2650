// Package githubclt provides the github API client of depmerge.
// It exposes the operations that policy evaluation and merge orchestration
// need: reading pull request state, changed files and manifest content,
// submitting reviews and merging with a revision guard.
package githubclt

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/depmerge/internal/logfields"
	"github.com/simplesurance/depmerge/internal/retryerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// New returns a new github api client.
// An apiTimeout of 0 selects DefaultHTTPClientTimeout.
func New(oauthAPItoken string, apiTimeout time.Duration) *Client {
	httpClient := newHTTPClient(oauthAPItoken, apiTimeout)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string, apiTimeout time.Duration) *http.Client {
	if apiTimeout == 0 {
		apiTimeout = DefaultHTTPClientTimeout
	}

	if apiToken == "" {
		return &http.Client{
			Timeout: apiTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = apiTimeout

	return tc
}

// Client is a github API client.
// All methods return a retryerr.RetryableError when an operation can be
// retried. This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger

	viewerMu    sync.Mutex
	viewerLogin string
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return retryerr.Wrap(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		retryAfter := time.Now().Add(v.GetRetryAfter())
		clt.logger.Info(
			"secondary rate limit exceeded",
			logfields.Event("github_api_secondary_rate_limit_exceeded"),
			zap.Time("github_api_rate_limit_reset_time", retryAfter),
		)

		return retryerr.Wrap(err, retryAfter)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return retryerr.WrapAnytime(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	if err == nil {
		return nil
	}

	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return retryerr.WrapAnytime(err)
	}

	return err
}
