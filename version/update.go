package version

import (
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// Native is the version of the host application that ships the builtin bundle
type Native struct {
	raw     string
	version *goversion.Version
}

// ParseNative parses the host application version. An empty or malformed version is
// treated as 0.0.0 so that it never triggers a major bump.
func ParseNative(raw string) Native {
	v, err := goversion.NewVersion(raw)
	if err != nil {
		v, _ = goversion.NewVersion("0.0.0")
	}
	return Native{raw: raw, version: v}
}

func (n Native) String() string {
	return n.raw
}

// Major returns the major segment
func (n Native) Major() int {
	return n.version.Segments()[0]
}

// MajorBumpedSince reports whether n has a greater major version than previous.
// An empty previous means no earlier version was recorded.
func (n Native) MajorBumpedSince(previous string) (bool, error) {
	if previous == "" {
		return false, nil
	}
	prev, err := goversion.NewVersion(previous)
	if err != nil {
		return false, fmt.Errorf("parse previous native version %q: %w", previous, err)
	}
	return n.Major() > prev.Segments()[0], nil
}
