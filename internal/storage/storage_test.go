package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageRoundTrip(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "r1-m1-seg0", []byte("ts-bytes")))

	data, err := s.Read(ctx, "r1-m1-seg0")
	require.NoError(t, err)
	assert.Equal(t, []byte("ts-bytes"), data)

	ok, err := s.Exists(ctx, "r1-m1-seg0")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "r1-m1-seg0"))
	_, err = s.Read(ctx, "r1-m1-seg0")
	assert.ErrorIs(t, err, ErrNotFound)
	// Deleting an absent key is fine.
	assert.NoError(t, s.Delete(ctx, "r1-m1-seg0"))
}

func TestMemoryStorageCleanup(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "old", []byte("1")))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Write(ctx, "new", []byte("2")))

	deleted, err := s.Cleanup(ctx, 25*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.Read(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Read(ctx, "new")
	assert.NoError(t, err)
}

func TestFileStorageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "r1-m1-seg0", []byte("ts-bytes")))
	data, err := s.Read(ctx, "r1-m1-seg0")
	require.NoError(t, err)
	assert.Equal(t, []byte("ts-bytes"), data)

	_, err = s.Read(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStorageCleanupUsesMtime(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "old", []byte("1")))
	require.NoError(t, s.Write(ctx, "new", []byte("2")))

	// Age the old segment past the retention window.
	past := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old"), past, past))

	deleted, err := s.Cleanup(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	ok, err := s.Exists(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanerLoop(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "seg", []byte("1")))

	c := NewCleaner(s, 20*time.Millisecond, 10*time.Millisecond)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return s.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
