package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	added := time.Unix(1700000000, 0)
	records := []Record{
		{Name: "b.txt", Path: "/repo/b.txt", Size: 10, Modified: added, AddedAt: added},
		{Name: "a.txt", Path: "/repo/a.txt", Size: 5, Modified: added, AddedAt: added, Published: true, PublishedAt: added.Add(time.Minute)},
	}
	require.NoError(t, s.Save(ctx, "alice", records))
	require.NoError(t, s.Save(ctx, "bob", records[:1]))

	got, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.txt", got[0].Name)
	assert.True(t, got[0].Published)
	assert.True(t, got[0].PublishedAt.Equal(added.Add(time.Minute)))
	assert.False(t, got[1].Published)
	assert.True(t, got[1].PublishedAt.IsZero())
	assert.True(t, got[1].Modified.Equal(added))

	// saving again replaces the host's rows
	require.NoError(t, s.Save(ctx, "alice", records[1:]))
	got, err = s.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.Load(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "h", []Record{{Name: "x", Path: "/x", Size: 1}}))
	require.NoError(t, s.Close())

	// migrations are not reapplied
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "h")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Name)
}
