package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	path, err := store.Save(ctx, "documents/abc/report.pdf", []byte("content"))
	require.NoError(t, err)
	assert.Equal(t, "documents/abc/report.pdf", path)

	data, err := store.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), data)
}

func TestDeleteToleratesMissingFiles(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Save(ctx, "a/b.txt", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "a/b.txt"))
	require.NoError(t, store.Delete(ctx, "a/b.txt"))
}

func TestRejectsEscapingPaths(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root)
	require.NoError(t, err)
	ctx := context.Background()

	for _, path := range []string{"../outside.txt", "a/../../outside.txt", "/etc/passwd", "."} {
		_, err := store.Save(ctx, path, []byte("x"))
		assert.Error(t, err, "path %q must be rejected", path)
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAbsPathStaysUnderRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root)
	require.NoError(t, err)

	abs := store.AbsPath("transforms/x/y.md")
	assert.Contains(t, abs, root)
}
