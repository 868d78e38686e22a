package fs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"lockable-resources/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
)

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	URL := filepath.Join(t.TempDir(), "state.yaml")

	s, err := New(afs.New(), URL)
	require.NoError(t, err)

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap := &store.Snapshot{
		Version: 1,
		SavedAt: time.Unix(10, 0).UTC(),
		Resources: []store.Record{
			{Name: "agent-1", Labels: []string{"linux"}, Build: "job #1"},
			{Name: "agent-2", ReservedBy: "alice", Note: "flaky"},
		},
	}
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Resources, got.Resources)
}

func TestNew_EmptyURL(t *testing.T) {
	_, err := New(nil, "")
	assert.Error(t, err)
}
