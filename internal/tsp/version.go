package tsp

import (
	"github.com/Masterminds/semver"
)

// Version indexes the supported protocol versions, newest first.
type Version int

const (
	VersionCurrent Version = 0
	Version200     Version = 2
	VersionOldest  Version = 3
)

var versionStrings = [...]string{"2.0.2", "2.0.1", "2.0.0", "1.0.1"}

var legacyDigest, _ = semver.NewConstraint("<= 2.0.0")

func (v Version) String() string {
	if v < 0 || int(v) >= len(versionStrings) {
		return "unknown"
	}
	return versionStrings[v]
}

// SkipsAcknowledge reports whether the version predates the create
// acknowledgement.
func (v Version) SkipsAcknowledge() bool { return v == VersionOldest }

// Limit is the oldest version a tunnel mode can use.
func Limit(mode TunnelMode) Version {
	switch mode {
	case ModeV6UDPV4, ModeV4V6:
		return Version200
	}
	return VersionOldest
}

// Fallback returns the next older version, or false when v is already at
// the limit for mode.
func (v Version) Fallback(mode TunnelMode) (Version, bool) {
	if v < Limit(mode) && v < VersionOldest {
		return v + 1, true
	}
	return v, false
}

// LegacyDigest reports whether a broker speaking version s expects the
// truncated DIGEST-MD5 A1 hash input.
func LegacyDigest(s string) bool {
	v, err := semver.NewVersion(s)
	if err != nil {
		return false
	}
	return legacyDigest.Check(v)
}
