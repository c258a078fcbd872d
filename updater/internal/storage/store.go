// Package storage holds the key-value persistence used by the bundle registry and the
// activation controller. Every Put is committed before it returns.
package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Store is a synchronous string and bool key-value store
type Store interface {
	GetString(key, def string) string
	PutString(key, value string) error
	GetBool(key string, def bool) bool
	PutBool(key string, value bool) error
	Close() error
}

// Kind selects a Store implementation
type Kind string

const (
	KindFile   Kind = "file"
	KindBolt   Kind = "bolt"
	KindMemory Kind = "memory"
)

// Open opens the store of the given kind rooted at path.
// An empty kind is inferred from the path extension.
func Open(kind Kind, path string) (Store, error) {
	if kind == "" {
		kind = inferKind(path)
	}

	switch kind {
	case KindFile:
		return NewFileStore(path)
	case KindBolt:
		return NewBoltStore(path)
	case KindMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func inferKind(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".bolt":
		return KindBolt
	case "":
		if path == "" {
			return KindMemory
		}
		return KindFile
	default:
		return KindFile
	}
}
