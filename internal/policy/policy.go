// Package policy decides if a pull request that claims to only update
// dependency manifests is eligible for being approved and merged
// automatically.
package policy

import (
	"github.com/simplesurance/depmerge/internal/bump"
)

// Decision is the outcome of a policy evaluation.
// It is one of a closed set of values, rejections are decisions, not errors.
type Decision string

const (
	// Accepted marks the pull request as eligible for automatic merging.
	Accepted Decision = "accepted"
	// ActorNotAllowed is returned when the pull request author is not in
	// the configured actor allow-list.
	ActorNotAllowed Decision = "actor_not_allowed"
	// FileNotAllowed is returned when a file outside the fixed set of
	// manifest files changed, or a manifest file was not plainly modified.
	FileNotAllowed Decision = "file_not_allowed"
	// UnexpectedChanges is returned when manifest keys were added or
	// deleted.
	UnexpectedChanges Decision = "unexpected_changes"
	// UnexpectedPropertyChange is returned when a manifest key outside the
	// recognized dependency categories changed.
	UnexpectedPropertyChange Decision = "unexpected_property_change"
	// VersionChangeNotAllowed is returned when a dependency change is not
	// covered by the configured update policy or name filters.
	VersionChangeNotAllowed Decision = "version_change_not_allowed"
)

func (d Decision) IsAccepted() bool {
	return d == Accepted
}

func (d Decision) String() string {
	return string(d)
}

// FileStatusModified is the only change status that is permitted for a
// changed manifest file.
const FileStatusModified = "modified"

// ChangedFile is the name and change status of one file of the pull request.
type ChangedFile struct {
	Name   string
	Status string
}

// manifestFiles is the fixed set of files that a dependency-update pull
// request may touch.
var manifestFiles = map[string]struct{}{
	"package.json":        {},
	"package-lock.json":   {},
	"npm-shrinkwrap.json": {},
	"yarn.lock":           {},
}

// ManifestFileName is the manifest document that is structurally compared
// between the base and the head revision.
const ManifestFileName = "package.json"

// dependencyCategories are the manifest keys whose entries may be updated.
var dependencyCategories = map[string]struct{}{
	"dependencies":    {},
	"devDependencies": {},
}

// KnownCategory returns true if name is a recognized dependency category.
func KnownCategory(name string) bool {
	_, ok := dependencyCategories[name]
	return ok
}

// AllowedUpdates maps a dependency category to the set of bump magnitudes
// that may be merged without a human review.
// A category that has no entry permits no changes at all.
type AllowedUpdates map[string]map[bump.Type]struct{}

// Allows returns true if the policy permits a change of magnitude t in the
// given category.
func (a AllowedUpdates) Allows(category string, t bump.Type) bool {
	_, ok := a[category][t]
	return ok
}

// NameFilters restricts which dependencies may be updated.
// Block always wins. When Allow is non-empty only listed names are eligible.
type NameFilters struct {
	Block map[string]struct{}
	Allow map[string]struct{}
}

// Eligible returns true if the filters permit updating the named dependency.
func (f *NameFilters) Eligible(name string) bool {
	if _, blocked := f.Block[name]; blocked {
		return false
	}

	if len(f.Allow) == 0 {
		return true
	}

	_, allowed := f.Allow[name]
	return allowed
}
