// Package filestore keeps strategy snapshots as JSON files, one per strategy.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	json "github.com/goccy/go-json"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// StateStore writes <dir>/<strategy>.json through a temp file and rename, so a crash
// mid-write leaves either the old or the new snapshot.
type StateStore struct {
	dir string
}

var _ domain.StateStore = (*StateStore)(nil)

func NewStateStore(dir string) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

func (s *StateStore) path(name string) string {
	return filepath.Join(s.dir, unsafeChars.ReplaceAllString(name, "_")+".json")
}

func (s *StateStore) Save(ctx context.Context, snap *model.StrategySnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(snap.StrategyName))
}

func (s *StateStore) Load(ctx context.Context, strategyName string) (*model.StrategySnapshot, error) {
	data, err := os.ReadFile(s.path(strategyName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap model.StrategySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", strategyName, err)
	}
	return &snap, nil
}

func (s *StateStore) Delete(ctx context.Context, strategyName string) error {
	err := os.Remove(s.path(strategyName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
