package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"qkchat-transfer/model"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// ErrResumeNotFound is returned when no journal entry exists for a task id.
var ErrResumeNotFound = errors.New("resume state not found")

// ResumeStore persists chunk-level resume state for interrupted uploads.
type ResumeStore interface {
	Put(state *model.ResumeState) error
	Get(taskId string) (*model.ResumeState, error)
	Delete(taskId string) error
	List() ([]*model.ResumeState, error)
	Close() error
}

// PebbleResumeStore is a ResumeStore backed by a single PebbleDB keyed by
// task id, with JSON values.
type PebbleResumeStore struct {
	db *pebble.DB
}

// NewPebbleResumeStore opens (creating if needed) the resume journal under
// dataDir.
func NewPebbleResumeStore(dataDir string) (*PebbleResumeStore, error) {
	dir := filepath.Join(dataDir, "resume")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create resume journal directory %s: %w", dir, err)
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open resume journal: %w", err)
	}

	logrus.WithField("dir", dir).Debug("Resume journal opened")

	return &PebbleResumeStore{db: db}, nil
}

// Put writes or replaces the journal entry for state.TaskId.
func (s *PebbleResumeStore) Put(state *model.ResumeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal resume state: %w", err)
	}

	if err := s.db.Set([]byte(state.TaskId), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write resume state for task %s: %w", state.TaskId, err)
	}

	return nil
}

// Get returns the journal entry for a task id, or ErrResumeNotFound.
func (s *PebbleResumeStore) Get(taskId string) (*model.ResumeState, error) {
	data, closer, err := s.db.Get([]byte(taskId))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrResumeNotFound
		}
		return nil, fmt.Errorf("failed to read resume state for task %s: %w", taskId, err)
	}
	defer closer.Close()

	var state model.ResumeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume state for task %s: %w", taskId, err)
	}

	return &state, nil
}

// Delete removes the journal entry for a task id. Missing entries are fine.
func (s *PebbleResumeStore) Delete(taskId string) error {
	if err := s.db.Delete([]byte(taskId), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete resume state for task %s: %w", taskId, err)
	}
	return nil
}

// List returns every journal entry, used to restore interrupted uploads at
// engine start.
func (s *PebbleResumeStore) List() ([]*model.ResumeState, error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to iterate resume journal: %w", err)
	}
	defer iter.Close()

	states := make([]*model.ResumeState, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var state model.ResumeState
		if err := json.Unmarshal(iter.Value(), &state); err != nil {
			logrus.WithFields(logrus.Fields{
				"key":   string(iter.Key()),
				"error": err.Error(),
			}).Warn("Skipping corrupt resume journal entry")
			continue
		}
		states = append(states, &state)
	}

	return states, nil
}

// Close closes the underlying database.
func (s *PebbleResumeStore) Close() error {
	return s.db.Close()
}
