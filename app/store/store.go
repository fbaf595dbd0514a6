// Package store keeps job lifecycle records in a single JSON file.
// All operations are serialized by the store and protected by an advisory file lock,
// writes go to a temporary file renamed over the live one, so the file on disk is always
// either the previous or the new complete state.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/gofrs/flock"
)

var (
	// ErrDuplicateJob returned by AppendJob if job id already stored
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrCorrupted returned if the store file can't be parsed or has invalid structure
	ErrCorrupted = errors.New("job store corrupted")
)

// Store is a file-backed job record storage, thread safe
type Store struct {
	path string
	mu   sync.Mutex // operation chain, one operation at a time
	lock *flock.Flock
}

type storeData struct {
	Jobs []JobRecord `json:"jobs"`
}

// New makes Store for given file, the file is not touched until the first operation
func New(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

// Path returns location of the store file
func (s *Store) Path() string { return s.path }

// EnsureInitialized creates the store file with empty job list if missing
func (s *Store) EnsureInitialized() error {
	return s.withLock(func() error {
		return nil // withLock creates the file
	})
}

// Jobs returns all records in insertion order
func (s *Store) Jobs() (res []JobRecord, err error) {
	err = s.withLock(func() error {
		data, e := s.read()
		if e != nil {
			return e
		}
		res = data.Jobs
		return nil
	})
	return res, err
}

// JobByID returns record for given id, false if not found
func (s *Store) JobByID(jobID string) (res JobRecord, found bool, err error) {
	err = s.withLock(func() error {
		data, e := s.read()
		if e != nil {
			return e
		}
		for _, j := range data.Jobs {
			if j.JobID == jobID {
				res, found = j, true
				return nil
			}
		}
		return nil
	})
	return res, found, err
}

// AppendJob validates and adds a new record
func (s *Store) AppendJob(rec JobRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.withLock(func() error {
		data, err := s.read()
		if err != nil {
			return err
		}
		for _, j := range data.Jobs {
			if j.JobID == rec.JobID {
				return fmt.Errorf("%w: %s", ErrDuplicateJob, rec.JobID)
			}
		}
		data.Jobs = append(data.Jobs, rec)
		return s.write(data)
	})
}

// UpdateJob applies fn to the record with jobID and persists the result.
// Returns false if no such record. The updated record is validated and can't change its id.
func (s *Store) UpdateJob(jobID string, fn func(JobRecord) JobRecord) (res JobRecord, found bool, err error) {
	return s.TryUpdateJob(jobID, func(r JobRecord) (JobRecord, error) { return fn(r), nil })
}

// TryUpdateJob is UpdateJob with fn able to reject the change. Error from fn aborts the update,
// nothing is written and the error returned as is.
func (s *Store) TryUpdateJob(jobID string, fn func(JobRecord) (JobRecord, error)) (res JobRecord, found bool, err error) {
	err = s.withLock(func() error {
		data, e := s.read()
		if e != nil {
			return e
		}
		idx := -1
		for i, j := range data.Jobs {
			if j.JobID == jobID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		updated, e := fn(data.Jobs[idx])
		if e != nil {
			return e
		}
		if updated.JobID != jobID {
			return fmt.Errorf("%w: job id can't be changed from %s to %s", ErrInvalidRecord, jobID, updated.JobID)
		}
		if e = updated.Validate(); e != nil {
			return e
		}
		data.Jobs[idx] = updated
		if e = s.write(data); e != nil {
			return e
		}
		res, found = updated, true
		return nil
	})
	return res, found, err
}

// MutateJobs replaces the whole record set with the result of fn in one atomic operation
func (s *Store) MutateJobs(fn func([]JobRecord) []JobRecord) (res []JobRecord, err error) {
	err = s.withLock(func() error {
		data, e := s.read()
		if e != nil {
			return e
		}
		updated := fn(append([]JobRecord(nil), data.Jobs...))
		seen := make(map[string]bool, len(updated))
		for _, j := range updated {
			if e = j.Validate(); e != nil {
				return e
			}
			if seen[j.JobID] {
				return fmt.Errorf("%w: %s", ErrDuplicateJob, j.JobID)
			}
			seen[j.JobID] = true
		}
		if updated == nil {
			updated = []JobRecord{}
		}
		if e = s.write(storeData{Jobs: updated}); e != nil {
			return e
		}
		res = updated
		return nil
	})
	return res, err
}

// withLock runs fn holding both in-process mutex and the file lock.
// The store file is created if missing.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("failed to make store directory for %s: %w", s.path, err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			log.Printf("[WARN] can't unlock %s, %v", s.lock.Path(), err)
		}
	}()

	if err := s.ensureFile(); err != nil {
		return err
	}
	return fn()
}

func (s *Store) ensureFile() error {
	_, err := os.Stat(s.path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("can't access store %s: %w", s.path, err)
	}
	log.Printf("[INFO] create job store %s", s.path)
	return s.write(storeData{Jobs: []JobRecord{}})
}

func (s *Store) read() (storeData, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return storeData{}, fmt.Errorf("failed to read store %s: %w", s.path, err)
	}

	var probe map[string]json.RawMessage
	if err = json.Unmarshal(raw, &probe); err != nil {
		return storeData{}, fmt.Errorf("%w: %s: %v", ErrCorrupted, s.path, err)
	}
	rawJobs, ok := probe["jobs"]
	if !ok || bytes.Equal(bytes.TrimSpace(rawJobs), []byte("null")) {
		return storeData{}, fmt.Errorf("%w: %s: jobs array is missing", ErrCorrupted, s.path)
	}

	data := storeData{}
	if err = json.Unmarshal(rawJobs, &data.Jobs); err != nil {
		return storeData{}, fmt.Errorf("%w: %s: %v", ErrCorrupted, s.path, err)
	}
	for _, j := range data.Jobs {
		if err = j.Validate(); err != nil {
			return storeData{}, fmt.Errorf("%w: %s: %v", ErrCorrupted, s.path, err)
		}
	}
	if data.Jobs == nil {
		data.Jobs = []JobRecord{}
	}
	return data, nil
}

// write stores data to a temp file in the same directory and renames it over the store file
func (s *Store) write(data storeData) error {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}
	payload = append(payload, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", s.path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if e := os.Remove(tmpName); e != nil && !errors.Is(e, os.ErrNotExist) {
			log.Printf("[WARN] can't remove temp file %s, %v", tmpName, e)
		}
	}

	if _, err = tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, s.path, err)
	}
	return nil
}
