package manifest

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// parseVersion parses a strict major.minor.patch version. A leading "v" is
// tolerated.
func parseVersion(s string) (*semver.Version, error) {
	return semver.StrictNewVersion(strings.TrimPrefix(strings.TrimSpace(s), "v"))
}

// parseRange parses a space-separated AND of constraints, e.g.
// ">=1.0.0 <2.0.0" or "^2.1.0".
func parseRange(s string) (*semver.Constraints, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty version range")
	}
	return semver.NewConstraint(s)
}
