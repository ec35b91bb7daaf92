// Package versions parses tool versions out of their output and gates the build on them.
package versions

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	cs "github.com/coreos/go-semver/semver"
	"github.com/peterebden/go-deferred-regex"
)

// versionRe finds the first dotted version in arbitrary text, with an optional pre-release suffix.
var versionRe = deferredregex.DeferredRegex{Re: `(\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z][0-9A-Za-z.]*)?)`}

// Parse extracts the first version from a tool's output, e.g. "clang version 3.8.0-2ubuntu4"
// or "rustc 1.27.0-nightly (ac3c2288f 2018-04-18)". Missing components are taken as zero.
func Parse(output string) (*semver.Version, error) {
	for _, line := range strings.Split(output, "\n") {
		m := versionRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if v, err := semver.NewVersion(m[1]); err == nil {
			return v, nil
		}
		// A malformed pre-release shouldn't hide an otherwise good version.
		if v, err := semver.NewVersion(strings.SplitN(m[1], "-", 2)[0]); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no version found in %q", strings.TrimSpace(output))
}

// Tuple returns just the (major, minor, patch) part of a version.
func Tuple(v *semver.Version) cs.Version {
	return cs.Version{Major: int64(v.Major()), Minor: int64(v.Minor()), Patch: int64(v.Patch())}
}

// AtLeast returns true if the version's (major, minor, patch) tuple is not lexicographically below min's.
// Pre-release suffixes are ignored on both sides.
func AtLeast(v *semver.Version, min cs.Version) bool {
	min.PreRelease = ""
	min.Metadata = ""
	return !Tuple(v).LessThan(min)
}

// A VersionTooLowError is returned when a tool is older than the minimum we support.
type VersionTooLowError struct {
	Tool, Found, Required string
}

func (e *VersionTooLowError) Error() string {
	return fmt.Sprintf("%s version %s is too old; at least %s is required", e.Tool, e.Found, e.Required)
}

// A VersionMismatchError is returned when a tool isn't exactly the version we require.
type VersionMismatchError struct {
	Tool, Found, Required string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s version %s found; exactly %s is required", e.Tool, e.Found, e.Required)
}

// An UnparseableVersionError is returned when no version can be found in a tool's output.
type UnparseableVersionError struct {
	Tool string
	Err  error
}

func (e *UnparseableVersionError) Error() string {
	return fmt.Sprintf("cannot determine version of %s: %s", e.Tool, e.Err)
}

func (e *UnparseableVersionError) Unwrap() error {
	return e.Err
}
