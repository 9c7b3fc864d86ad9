// Package compat evaluates extension compatibility declarations against the
// running core version and named deployment profiles.
package compat

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ProfileConstraint pins a named deployment profile to an exact version or a
// semver range. At most one of Version and VersionRange is set.
type ProfileConstraint struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version,omitempty"`
	VersionRange string `yaml:"version_range,omitempty"`
}

// Descriptor is an extension's declared compatibility surface.
type Descriptor struct {
	CoreAPIVersion      string              `yaml:"core_api_version,omitempty"`
	CoreAPIVersionRange string              `yaml:"core_api_version_range,omitempty"`
	Profiles            []ProfileConstraint `yaml:"profiles,omitempty"`
}

// Result reports whether every declared constraint holds. Failures lists one
// human-readable message per violated constraint.
type Result struct {
	Compatible bool
	Failures   []string
}

// Evaluate checks a descriptor against the running core version and the set
// of active profiles (name -> version). It is pure: parse failures and
// unknown profiles become Failures entries, never errors.
func Evaluate(d Descriptor, coreVersion string, profiles map[string]string) Result {
	var failures []string

	core, err := semver.NewVersion(coreVersion)
	if err != nil {
		return Result{Failures: []string{fmt.Sprintf("running core version %q is not valid semver", coreVersion)}}
	}

	if d.CoreAPIVersion != "" {
		declared, err := semver.NewVersion(d.CoreAPIVersion)
		if err != nil {
			failures = append(failures, fmt.Sprintf("core_api_version %q is not valid semver", d.CoreAPIVersion))
		} else if !declared.Equal(core) {
			failures = append(failures, fmt.Sprintf("core_api_version %s does not match running core %s", d.CoreAPIVersion, core))
		}
	}

	if d.CoreAPIVersionRange != "" {
		if msg := checkRange("core_api_version_range", d.CoreAPIVersionRange, core); msg != "" {
			failures = append(failures, msg)
		}
	}

	for _, p := range d.Profiles {
		current, ok := profiles[p.Name]
		if !ok {
			failures = append(failures, fmt.Sprintf("profile %q is not active", p.Name))
			continue
		}
		cur, err := semver.NewVersion(current)
		if err != nil {
			failures = append(failures, fmt.Sprintf("active profile %q version %q is not valid semver", p.Name, current))
			continue
		}
		if p.Version != "" {
			want, err := semver.NewVersion(p.Version)
			if err != nil {
				failures = append(failures, fmt.Sprintf("profile %q version %q is not valid semver", p.Name, p.Version))
			} else if !want.Equal(cur) {
				failures = append(failures, fmt.Sprintf("profile %q version %s does not match active %s", p.Name, p.Version, cur))
			}
		}
		if p.VersionRange != "" {
			if msg := checkRange(fmt.Sprintf("profile %q range", p.Name), p.VersionRange, cur); msg != "" {
				failures = append(failures, msg)
			}
		}
	}

	return Result{Compatible: len(failures) == 0, Failures: failures}
}

func checkRange(label, rangeExpr string, v *semver.Version) string {
	c, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return fmt.Sprintf("%s %q is not a valid semver range", label, rangeExpr)
	}
	if !c.Check(v) {
		return fmt.Sprintf("%s %s does not admit version %s", label, rangeExpr, v)
	}
	return ""
}
