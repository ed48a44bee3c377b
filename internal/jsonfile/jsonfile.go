// Package jsonfile reads and rewrites whole JSON state files. There is at
// most one writer process at a time by the lifecycle protocol, so writers
// retry transient I/O errors instead of locking.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry bounds for state file I/O. Exhaustion escalates to the caller.
const (
	DefaultRetryCount = 5
	DefaultRetryDelay = 200 * time.Millisecond
)

// Read unmarshals the file into out, retrying transient failures. A missing
// file is returned as-is (os.IsNotExist) without retry.
func Read(path string, out any) error {
	return ReadRetry(path, out, DefaultRetryCount, DefaultRetryDelay)
}

func ReadRetry(path string, out any, retries int, delay time.Duration) error {
	op := func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.Unmarshal(data, out); err != nil {
			// Malformed state is rejected, not repaired by retrying.
			return backoff.Permanent(fmt.Errorf("parse %s: %w", path, err))
		}
		return nil
	}
	return retry(op, retries, delay)
}

// Write marshals v and atomically replaces the file, retrying transient
// failures.
func Write(path string, v any) error {
	return WriteRetry(path, v, DefaultRetryCount, DefaultRetryDelay)
}

func WriteRetry(path string, v any, retries int, delay time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteBytesRetry(path, data, retries, delay)
}

// WriteBytesRetry atomically replaces the file contents via a temp file and
// rename so readers never observe a partial document.
func WriteBytesRetry(path string, data []byte, retries int, delay time.Duration) error {
	op := func() error {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp")
		if err != nil {
			return err
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return err
		}
		if err := os.Rename(tmpName, path); err != nil {
			os.Remove(tmpName)
			return err
		}
		return nil
	}
	return retry(op, retries, delay)
}

func retry(op backoff.Operation, retries int, delay time.Duration) error {
	if retries < 0 {
		retries = 0
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries))
	return backoff.Retry(op, policy)
}
