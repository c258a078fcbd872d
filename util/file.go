package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// WriteJson writes a JSON object to a file creating parent directories if required.
// The output JSON is pretty-formatted and the write is atomic.
func WriteJson(ctx context.Context, file string, obj interface{}) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write json start: %w", ctx.Err())
	}

	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return WriteBytes(ctx, file, bs)
}

// WriteBytes replaces file with bs using a temp file in the same directory and a rename,
// so readers never observe a partially written file.
func WriteBytes(ctx context.Context, file string, bs []byte) error {
	dir, name, err := prepareFileDir(file)
	if err != nil {
		return fmt.Errorf("prepare dir: %w", err)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("write bytes start: %w", ctx.Err())
	}

	tempFile, err := os.CreateTemp(dir, ".*"+name)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tempFileName := tempFile.Name()

	if err := os.Chmod(tempFileName, 0600); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("set temp file permissions: %w", err)
	}

	if _, err = tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("write: %w", err)
	}

	// state files are read back after a crash, flush before the rename makes them visible
	if err = tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("sync %s: %w", tempFileName, err)
	}

	if err = tempFile.Close(); err != nil {
		_ = os.Remove(tempFileName)
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	if ctx.Err() != nil {
		_ = os.Remove(tempFileName)
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err = os.Rename(tempFileName, file); err != nil {
		if rmErr := os.Remove(tempFileName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warnf("failed to remove temp file %s: %v", tempFileName, rmErr)
		}
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

// ReadJson reads JSON file and maps to a provided interface
func ReadJson(file string, res interface{}) (interface{}, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bs, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(bs, &res)
	if err != nil {
		return nil, err
	}

	return res, nil
}

func prepareFileDir(file string) (string, string, error) {
	dir, name := filepath.Split(file)
	if dir == "" {
		return filepath.Dir(file), name, nil
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", "", err
	}

	return dir, name, nil
}
