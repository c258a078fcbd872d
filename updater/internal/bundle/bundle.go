// Package bundle defines the bundle data model and the registry of known bundles.
package bundle

import (
	"fmt"
	"time"
)

// BuiltinID identifies the content shipped with the application
const BuiltinID = "builtin"

// Status of a single bundle
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// CanTransitionTo reports whether a bundle in status s may be moved to next.
// Writing the current status again is allowed and is a no-op.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusPending && (next == StatusSuccess || next == StatusError)
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusError:
		return true
	default:
		return false
	}
}

// Bundle is one downloadable and activatable unit of application content
type Bundle struct {
	ID           string    `json:"id"`
	VersionName  string    `json:"versionName,omitempty"`
	Status       Status    `json:"status"`
	Builtin      bool      `json:"builtin,omitempty"`
	ContentPath  string    `json:"contentPath,omitempty"`
	DownloadedAt time.Time `json:"downloadedAt"`
	ConfirmedAt  time.Time `json:"confirmedAt"`
}

// NewBuiltin returns the sentinel bundle for the shipped content at path
func NewBuiltin(path string) Bundle {
	return Bundle{
		ID:          BuiltinID,
		Status:      StatusSuccess,
		Builtin:     true,
		ContentPath: path,
	}
}

func (b Bundle) IsBuiltin() bool {
	return b.Builtin || b.ID == BuiltinID
}

func (b Bundle) IsError() bool {
	return b.Status == StatusError
}

func (b Bundle) IsSuccess() bool {
	return b.Status == StatusSuccess
}

func (b Bundle) String() string {
	if b.IsBuiltin() {
		return BuiltinID
	}
	if b.VersionName != "" && b.VersionName != b.ID {
		return fmt.Sprintf("%s (%s, %s)", b.ID, b.VersionName, b.Status)
	}
	return fmt.Sprintf("%s (%s)", b.ID, b.Status)
}

// newerThan orders candidates for fallback selection: latest confirmation first,
// then latest download, then the greatest id.
func (b Bundle) newerThan(o Bundle) bool {
	if !b.ConfirmedAt.Equal(o.ConfirmedAt) {
		return b.ConfirmedAt.After(o.ConfirmedAt)
	}
	if !b.DownloadedAt.Equal(o.DownloadedAt) {
		return b.DownloadedAt.After(o.DownloadedAt)
	}
	return b.ID > o.ID
}
