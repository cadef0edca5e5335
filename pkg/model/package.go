package model

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/openfroyo/deployer/pkg/ids"
)

// PackageRef names the artifact a unit installs.
type PackageRef struct {
	ID ids.PackageID `json:"id" yaml:"id"`
	// Version is a semantic version. Leading "v" and short forms like "1.2" are accepted.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// Source is a path or URL the dispatcher can fetch the package from.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// SemVer parses the package version.
func (p *PackageRef) SemVer() (*semver.Version, error) {
	if p.Version == "" {
		return nil, fmt.Errorf("package %s has no version", p.ID)
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("package %s: invalid version %q: %w", p.ID, p.Version, err)
	}
	return v, nil
}

// Pinned reports whether the package carries a parseable version.
func (p *PackageRef) Pinned() bool {
	if p == nil || p.Version == "" {
		return false
	}
	_, err := semver.NewVersion(p.Version)
	return err == nil
}

// CanonicalVersion returns the normalized version string, or the raw value if it does not parse.
func (p *PackageRef) CanonicalVersion() string {
	if p == nil {
		return ""
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return p.Version
	}
	return v.String()
}

// SameVersion reports whether two version strings denote the same release.
// "v1.2" and "1.2.0" are equal. Unparseable values compare as plain strings.
func SameVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Equal(vb)
}

// IsUpgrade reports whether target is newer than current.
func IsUpgrade(current, target string) (bool, error) {
	vc, err := semver.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("invalid current version %q: %w", current, err)
	}
	vt, err := semver.NewVersion(target)
	if err != nil {
		return false, fmt.Errorf("invalid target version %q: %w", target, err)
	}
	return vt.GreaterThan(vc), nil
}
