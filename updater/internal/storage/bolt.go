package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
)

var (
	stringsBucket = []byte("strings")
	boolsBucket   = []byte("bools")
)

// BoltStore persists keys in a bbolt database, one fsynced transaction per Put
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, status.Wrap(status.StorageError, err, "create store dir")
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, status.Wrap(status.StorageError, err, "open bolt store %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{stringsBucket, boolsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, status.Wrap(status.StorageError, err, "init bolt store")
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetString(key, def string) string {
	v, ok := s.get(stringsBucket, key)
	if !ok {
		return def
	}
	return v
}

func (s *BoltStore) PutString(key, value string) error {
	return s.put(stringsBucket, key, value)
}

func (s *BoltStore) GetBool(key string, def bool) bool {
	v, ok := s.get(boolsBucket, key)
	if !ok {
		return def
	}
	return v == "1"
}

func (s *BoltStore) PutBool(key string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return s.put(boolsBucket, key, v)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) get(bucket []byte, key string) (string, bool) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		// bolt values are only valid inside the transaction
		if v := b.Get([]byte(key)); v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		log.Errorf("failed to read %s from bolt store: %v", key, err)
		return "", false
	}
	return value, found
}

func (s *BoltStore) put(bucket []byte, key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return status.Wrap(status.StorageError, err, "persist %s", key)
	}
	return nil
}
