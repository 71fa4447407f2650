package bump

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	testcases := []struct {
		oldVersion string
		newVersion string
		expected   Type
	}{
		{"0.0.1", "0.0.2", Patch},
		{"0.0.1", "0.1.0", Minor},
		{"0.0.1", "1.0.0", Major},
		{"1.2.3", "1.2.10", Patch},
		{"1.2.3", "1.10.0", Minor},
		{"1.2.3", "10.0.0", Major},

		{"^0.0.1", "^0.0.2", Patch},
		{"~1.0.0", "~1.1.0", Minor},
		{"^1.9.9", "^2.0.0", Major},

		{"1.0.0", "2.0.0-beta.1", PreMajor},
		{"1.0.0", "1.1.0-beta.1", PreMinor},
		{"1.0.0", "1.0.1-beta.1", PreRelease},
		{"1.0.0-beta.1", "1.0.0-beta.2", PreRelease},
		{"1.0.0-alpha", "1.0.0-beta", PreRelease},

		// range-prefix changes
		{"~0.0.1", "0.0.2", Impossible},
		{"0.0.1", "~0.0.2", Impossible},
		{"^1.0.0", "~1.0.1", Impossible},

		// non-increasing
		{"1.0.0", "1.0.0", Impossible},
		{"1.0.1", "1.0.0", Impossible},
		{"2.0.0", "1.9.9", Impossible},
		{"1.0.0", "1.0.0-beta.1", Impossible},
		{"1.0.0-beta.2", "1.0.0-beta.1", Impossible},

		// malformed specifications
		{"1.0", "1.0.1", Impossible},
		{"1.0.0", "1.1", Impossible},
		{"v1.0.0", "v1.0.1", Impossible},
		{">=1.0.0", ">=1.0.1", Impossible},
		{"latest", "1.0.1", Impossible},
		{"", "1.0.1", Impossible},
		{"1.0.0", "", Impossible},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.oldVersion+"_to_"+tc.newVersion, func(t *testing.T) {
			assert.Equal(
				t, tc.expected, Classify(tc.oldVersion, tc.newVersion),
				"classify(%q, %q)", tc.oldVersion, tc.newVersion,
			)
		})
	}
}

// TestClassifyPrereleaseGraduation pins that dropping the pre-release tag of
// an otherwise unchanged version classifies as a prerelease change. A policy
// that admits prerelease updates therefore also admits the graduation to the
// stable release.
func TestClassifyPrereleaseGraduation(t *testing.T) {
	assert.Equal(t, PreRelease, Classify("1.0.0-beta", "1.0.0"))
	assert.Equal(t, PreRelease, Classify("2.1.0-rc.3", "2.1.0"))
}

func TestClassifyIsDeterministic(t *testing.T) {
	first := Classify("1.2.3", "1.3.0")
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Classify("1.2.3", "1.3.0"))
	}
}

// TestClassifyOrderConsistency verifies that chaining two increasing version
// changes never produces a smaller magnitude than the bigger of the two
// individual changes.
func TestClassifyOrderConsistency(t *testing.T) {
	const a = "1.0.0"
	const b = "1.1.0"
	const c = "1.1.1"

	require.Equal(t, Minor, Classify(a, b))
	require.Equal(t, Patch, Classify(b, c))
	assert.GreaterOrEqual(t, Classify(a, c), Minor)
}

func TestFromString(t *testing.T) {
	for _, expected := range []Type{None, Patch, Minor, PreMajor, PreMinor, PreRelease, Major} {
		parsed, err := FromString(expected.String())
		require.NoError(t, err)
		assert.Equal(t, expected, parsed)
	}

	_, err := FromString("impossible")
	assert.Error(t, err)

	_, err = FromString("PATCH")
	assert.Error(t, err)
}
