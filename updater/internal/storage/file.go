package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
	"github.com/Samankhalid01/capacitor-updater/util"
)

const persistTimeout = 5 * time.Second

type fileState struct {
	Strings map[string]string `json:"strings"`
	Bools   map[string]bool   `json:"bools"`
}

// FileStore keeps all keys in memory and rewrites a single JSON file on every Put
type FileStore struct {
	mu       sync.Mutex
	filePath string
	state    fileState
}

// NewFileStore loads filePath if it exists. A corrupted file is moved aside and the store
// starts empty.
func NewFileStore(filePath string) (*FileStore, error) {
	s := &FileStore{
		filePath: filePath,
		state: fileState{
			Strings: make(map[string]string),
			Bools:   make(map[string]bool),
		},
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) GetString(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.state.Strings[key]; ok {
		return v
	}
	return def
}

func (s *FileStore) PutString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.state.Strings[key]
	s.state.Strings[key] = value
	if err := s.persist(); err != nil {
		if existed {
			s.state.Strings[key] = prev
		} else {
			delete(s.state.Strings, key)
		}
		return status.Wrap(status.StorageError, err, "persist %s", key)
	}
	return nil
}

func (s *FileStore) GetBool(key string, def bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.state.Bools[key]; ok {
		return v
	}
	return def
}

func (s *FileStore) PutBool(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.state.Bools[key]
	s.state.Bools[key] = value
	if err := s.persist(); err != nil {
		if existed {
			s.state.Bools[key] = prev
		} else {
			delete(s.state.Bools, key)
		}
		return status.Wrap(status.StorageError, err, "persist %s", key)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// persist writes the whole state file. The caller must hold the mutex.
func (s *FileStore) persist() error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	start := time.Now()
	if err := util.WriteJson(ctx, s.filePath, s.state); err != nil {
		return err
	}
	log.Tracef("persisted store %s, took %v", s.filePath, time.Since(start))
	return nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("store file %s does not exist", s.filePath)
			return nil
		}
		return status.Wrap(status.StorageError, err, "read store file")
	}

	var loaded fileState
	if err := json.Unmarshal(data, &loaded); err != nil {
		log.Errorf("failed to unmarshal store file %s: %v", s.filePath, err)
		s.handleCorruptedState()
		return nil
	}

	if loaded.Strings != nil {
		s.state.Strings = loaded.Strings
	}
	if loaded.Bools != nil {
		s.state.Bools = loaded.Bools
	}
	return nil
}

// handleCorruptedState creates a backup of a corrupted store file by moving it
func (s *FileStore) handleCorruptedState() {
	log.Warn("Store file appears to be corrupted, attempting to back it up")

	backupPath := fmt.Sprintf("%s.corrupted.%d", s.filePath, time.Now().UnixNano())
	if err := os.Rename(s.filePath, backupPath); err != nil {
		log.Errorf("Failed to backup corrupted store file: %v", err)
		return
	}

	log.Infof("Created backup of corrupted store file at: %s", backupPath)
}
