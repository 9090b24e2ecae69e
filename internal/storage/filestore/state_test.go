package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
	"bracketbot.com/internal/storage/storetest"
)

func TestStateStore(t *testing.T) {
	s, err := NewStateStore(t.TempDir())
	require.NoError(t, err)
	storetest.StateStoreContract(t, s)
}

func TestStateStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStateStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alpha.json"), []byte("\x00\x01garbage"), 0o644))

	_, err = s.Load(context.Background(), "alpha")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestStateStore_SanitisesNames(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStateStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), &model.StrategySnapshot{StrategyName: "../escape/me", Phase: model.PhaseIdle}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".._escape_me.json", entries[0].Name())
}
