// Package file provides a file-based checkpoint store.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/persistence"
)

// Store keeps one JSON file per checkpoint under <root>/checkpoints/<execution id>/.
type Store struct {
	root  string
	mutex sync.RWMutex
}

// NewStore creates the checkpoint directory under root. A "file://" prefix is accepted.
func NewStore(root string) (*Store, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	err := os.MkdirAll(filepath.Join(cleanRoot, "checkpoints"), 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}

	return &Store{root: cleanRoot}, nil
}

func (s *Store) dir() string {
	return filepath.Join(s.root, "checkpoints")
}

func (s *Store) Save(_ context.Context, cp *checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	if err := persistence.ValidateKey(cp.ExecutionID); err != nil {
		return persistence.NewCheckpointError("Save", cp.ID, err)
	}

	if err := persistence.ValidateKey(cp.ID); err != nil {
		return persistence.NewCheckpointError("Save", cp.ID, err)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", cp.ID, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	execDir := filepath.Join(s.dir(), cp.ExecutionID)

	err = os.MkdirAll(execDir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}

	// Write to a temp file first so readers never see a torn checkpoint.
	tmp, err := os.CreateTemp(execDir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for checkpoint %s: %w", cp.ID, err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write checkpoint %s: %w", cp.ID, err)
	}

	err = os.Rename(tmp.Name(), filepath.Join(execDir, cp.ID+".json"))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to commit checkpoint %s: %w", cp.ID, err)
	}

	return nil
}

func (s *Store) Get(_ context.Context, id string) (*checkpoint.Checkpoint, error) {
	if err := persistence.ValidateKey(id); err != nil {
		return nil, persistence.NewCheckpointError("Get", id, checkpoint.ErrCheckpointNotFound)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir(), "*", id+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to look up checkpoint %s: %w", id, err)
	}

	if len(matches) == 0 {
		return nil, persistence.NewCheckpointError("Get", id, checkpoint.ErrCheckpointNotFound)
	}

	return readCheckpoint(matches[0])
}

func (s *Store) ListByExecution(_ context.Context, executionID string) ([]*checkpoint.Checkpoint, error) {
	if err := persistence.ValidateKey(executionID); err != nil {
		return nil, persistence.NewExecutionError("ListByExecution", executionID, err)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	list, err := readDir(filepath.Join(s.dir(), executionID))
	if err != nil {
		return nil, persistence.NewExecutionError("ListByExecution", executionID, err)
	}

	checkpoint.SortBySequence(list)

	return list, nil
}

func (s *Store) List(_ context.Context) ([]*checkpoint.Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entries, err := os.ReadDir(s.dir())
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint directories: %w", err)
	}

	list := make([]*checkpoint.Checkpoint, 0)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		cps, err := readDir(filepath.Join(s.dir(), entry.Name()))
		if err != nil {
			return nil, err
		}

		list = append(list, cps...)
	}

	checkpoint.SortByCreation(list)

	return list, nil
}

func (s *Store) Delete(_ context.Context, ids ...string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, id := range ids {
		if persistence.ValidateKey(id) != nil {
			continue
		}

		matches, err := filepath.Glob(filepath.Join(s.dir(), "*", id+".json"))
		if err != nil {
			return fmt.Errorf("failed to look up checkpoint %s: %w", id, err)
		}

		for _, match := range matches {
			err := os.Remove(match)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return persistence.NewCheckpointError("Delete", id, err)
			}

			// Drop the execution directory once its last checkpoint is gone.
			_ = os.Remove(filepath.Dir(match))
		}
	}

	return nil
}

// Close performs any necessary cleanup. For file-based stores, there is nothing to clean up.
func (s *Store) Close() error {
	return nil
}

// HealthCheck verifies the checkpoint directory exists.
func (s *Store) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.dir()); err != nil {
		return fmt.Errorf("checkpoint directory unavailable: %w", err)
	}

	return nil
}

func readDir(dir string) ([]*checkpoint.Checkpoint, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint files: %w", err)
	}

	list := make([]*checkpoint.Checkpoint, 0, len(files))

	for _, file := range files {
		cp, err := readCheckpoint(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, err
		}

		list = append(list, cp)
	}

	return list, nil
}

func readCheckpoint(path string) (*checkpoint.Checkpoint, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path built from validated ids
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file %s: %w", filepath.Base(path), err)
	}

	var cp checkpoint.Checkpoint

	err = json.Unmarshal(data, &cp)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint file %s: %w", filepath.Base(path), err)
	}

	return &cp, nil
}
