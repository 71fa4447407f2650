package policy

import (
	"github.com/simplesurance/depmerge/internal/bump"
	"github.com/simplesurance/depmerge/internal/manifest"
)

// Evaluate decides if the pull request is eligible for automatic merging.
// The checks run in a fixed order and stop at the first violation, the
// returned Decision names the check that failed.
// The unit of the decision is the whole pull request, a single disallowed
// dependency change rejects it.
// Evaluate is pure, evaluating identical inputs repeatedly yields identical
// decisions.
func Evaluate(changedFiles []ChangedFile, base, head map[string]any, allowed AllowedUpdates, filters NameFilters) Decision {
	if decision := CheckFiles(changedFiles); !decision.IsAccepted() {
		return decision
	}

	return EvaluateManifests(base, head, allowed, filters)
}

// CheckFiles validates that every changed file is a known manifest file and
// was modified in place.
// It is a separate step so that callers can reject a pull request before
// retrieving any manifest content.
func CheckFiles(changedFiles []ChangedFile) Decision {
	for _, file := range changedFiles {
		if _, known := manifestFiles[file.Name]; !known {
			return FileNotAllowed
		}

		if file.Status != FileStatusModified {
			return FileNotAllowed
		}
	}

	return Accepted
}

// EvaluateManifests runs the structural and per-dependency checks over the
// base and head manifest snapshots.
func EvaluateManifests(base, head map[string]any, allowed AllowedUpdates, filters NameFilters) Decision {
	diff := manifest.Diff(base, head)

	if diff.HasStructuralChanges() {
		return UnexpectedChanges
	}

	// every change must be inside a recognized dependency category before
	// any individual change is judged
	for i := range diff.Updated {
		change := &diff.Updated[i]

		if _, known := dependencyCategories[change.Path[0]]; !known {
			return UnexpectedPropertyChange
		}

		// a change recorded at the category itself means the category
		// is not an object of per-dependency entries on both sides
		if len(change.Path) == 1 {
			return UnexpectedPropertyChange
		}
	}

	for i := range diff.Updated {
		change := &diff.Updated[i]
		category := change.Path[0]

		// a path deeper than category/name means the dependency value
		// is an object, not a version string
		if len(change.Path) != 2 {
			return VersionChangeNotAllowed
		}

		oldVersion, oldIsStr := change.Old.(string)
		newVersion, newIsStr := change.New.(string)
		if !oldIsStr || !newIsStr {
			return VersionChangeNotAllowed
		}

		name := change.Path[1]
		if !filters.Eligible(name) {
			return VersionChangeNotAllowed
		}

		if !allowed.Allows(category, bump.Classify(oldVersion, newVersion)) {
			return VersionChangeNotAllowed
		}
	}

	return Accepted
}
