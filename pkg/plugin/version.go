// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package plugin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// semverRe matches strict semver (no "v" prefix): MAJOR.MINOR.PATCH[-prerelease][+build].
// Leading zeros on numeric segments are disallowed.
var semverRe = regexp.MustCompile(
	`^(?:0|[1-9]\d*)\.(?:0|[1-9]\d*)\.(?:0|[1-9]\d*)` +
		`(?:-(?:[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?` +
		`(?:\+(?:[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`,
)

// Version is a parsed semantic version. Prerelease and build metadata are
// accepted on parse but ignored for ordering; dependency resolution in the
// runtime only ever compares release versions.
type Version struct {
	Major int
	Minor int
	Patch int
}

// IsValidVersion reports whether s is a valid semantic version string.
func IsValidVersion(s string) bool {
	return semverRe.MatchString(s)
}

// ParseVersion parses a semantic version string.
func ParseVersion(s string) (Version, error) {
	if !semverRe.MatchString(s) {
		return Version{}, fmt.Errorf("invalid semver %q", s)
	}

	core := s
	if i := strings.IndexAny(core, "-+"); i != -1 {
		core = core[:i]
	}

	parts := strings.SplitN(core, ".", 3)
	major, _ := strconv.Atoi(parts[0])
	minor, _ := strconv.Atoi(parts[1])
	patch, _ := strconv.Atoi(parts[2])

	return Version{Major: major, Minor: minor, Patch: patch}, nil
}

// Compare returns -1, 0, or 1 if v is less than, equal to, or greater than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsValidRequirement reports whether s is a valid version requirement.
// The requirement grammar is deliberately closed: an exact version, or a
// version prefixed with one of "^" (same major), "~" (same major.minor),
// or ">=" (at least).
func IsValidRequirement(s string) bool {
	_, _, err := parseRequirement(s)
	return err == nil
}

// Satisfies reports whether version satisfies the requirement string.
// Invalid inputs never satisfy.
func Satisfies(version, requirement string) bool {
	v, err := ParseVersion(version)
	if err != nil {
		return false
	}

	op, req, err := parseRequirement(requirement)
	if err != nil {
		return false
	}

	switch op {
	case "^":
		return v.Major == req.Major && v.Compare(req) >= 0
	case "~":
		return v.Major == req.Major && v.Minor == req.Minor && v.Compare(req) >= 0
	case ">=":
		return v.Compare(req) >= 0
	default:
		return v.Compare(req) == 0
	}
}

func parseRequirement(s string) (op string, v Version, err error) {
	raw := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(raw, ">="):
		op, raw = ">=", strings.TrimSpace(raw[2:])
	case strings.HasPrefix(raw, "^"):
		op, raw = "^", raw[1:]
	case strings.HasPrefix(raw, "~"):
		op, raw = "~", raw[1:]
	}

	v, err = ParseVersion(raw)
	return op, v, err
}
