// Package logfields provides constructors for zap fields that are shared
// between packages, to keep field names consistent in the log output.
package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func PullRequest(val int) zap.Field {
	return zap.Int("github.pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func Actor(val string) zap.Field {
	return zap.String("github.actor", val)
}

func Decision(val string) zap.Field {
	return zap.String("policy.decision", val)
}

func Outcome(val string) zap.Field {
	return zap.String("merge.outcome", val)
}
