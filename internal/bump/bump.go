// Package bump classifies the semantic-version change between two manifest
// version specifications.
package bump

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// Type is the magnitude of a version change.
type Type int8

const (
	None Type = iota
	Patch
	Minor
	PreMajor
	PreMinor
	PreRelease
	Major
	// Impossible marks changes that must never be merged automatically:
	// malformed versions, range-prefix changes and non-increasing
	// versions.
	Impossible
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Patch:
		return "patch"
	case Minor:
		return "minor"
	case PreMajor:
		return "premajor"
	case PreMinor:
		return "preminor"
	case PreRelease:
		return "prerelease"
	case Major:
		return "major"
	case Impossible:
		return "impossible"
	default:
		return fmt.Sprintf("invalid (%d)", int8(t))
	}
}

// FromString converts the string representation of a bump magnitude to a
// Type. Impossible is not accepted, it can not be part of a merge policy.
func FromString(in string) (Type, error) {
	for _, t := range []Type{None, Patch, Minor, PreMajor, PreMinor, PreRelease, Major} {
		if t.String() == in {
			return t, nil
		}
	}

	return Impossible, fmt.Errorf("unsupported bump type: %q", in)
}

// versionSpecRe matches a manifest version specification: an optional range
// prefix followed by an exact three-component version with an optional
// pre-release tag.
var versionSpecRe = regexp.MustCompile(`^([~^]?)\d+\.\d+\.\d+(-.+)?$`)

// Classify returns the semantic-version bump magnitude between two version
// specifications.
// Impossible is returned when either specification does not match
// versionSpecRe, when the range prefixes differ or when newVersion is not
// strictly greater than oldVersion under semantic-version ordering.
// Classify is pure, identical inputs always produce the identical result.
func Classify(oldVersion, newVersion string) Type {
	oldMatch := versionSpecRe.FindStringSubmatch(oldVersion)
	newMatch := versionSpecRe.FindStringSubmatch(newVersion)

	if oldMatch == nil || newMatch == nil {
		return Impossible
	}

	// a range-prefix change modifies which versions the spec covers, the
	// numeric difference alone does not describe it
	if oldMatch[1] != newMatch[1] {
		return Impossible
	}

	oldSemver, err := semver.StrictNewVersion(oldVersion[len(oldMatch[1]):])
	if err != nil {
		return Impossible
	}

	newSemver, err := semver.StrictNewVersion(newVersion[len(newMatch[1]):])
	if err != nil {
		return Impossible
	}

	if !newSemver.GreaterThan(oldSemver) {
		return Impossible
	}

	return diffType(oldSemver, newSemver)
}

func diffType(oldSemver, newSemver *semver.Version) Type {
	preRelease := newSemver.Prerelease() != ""

	switch {
	case newSemver.Major() != oldSemver.Major():
		if preRelease {
			return PreMajor
		}
		return Major

	case newSemver.Minor() != oldSemver.Minor():
		if preRelease {
			return PreMinor
		}
		return Minor

	case newSemver.Patch() != oldSemver.Patch():
		if preRelease {
			return PreRelease
		}
		return Patch

	default:
		// main versions are equal, the pre-release tag changed
		return PreRelease
	}
}
