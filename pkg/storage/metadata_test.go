package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dftp-io/dftp/pkg/types"
)

func TestMetadataTablePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")

	table := NewMetadataTable(path)
	require.NoError(t, table.Upsert(types.FileMetadata{
		Filename:   "alice/report.txt",
		Version:    3,
		TransferID: "t-123",
		Timestamp:  1700000000,
	}))

	reloaded := NewMetadataTable(path)
	md, ok := reloaded.Get("alice/report.txt")
	require.True(t, ok)
	assert.Equal(t, 3, md.Version)
	assert.Equal(t, "t-123", md.TransferID)
}

func TestMetadataTableCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	table := NewMetadataTable(path)
	assert.Empty(t, table.All())
}

func TestMetadataTableDelete(t *testing.T) {
	table := NewMetadataTable(filepath.Join(t.TempDir(), "metadata.json"))
	require.NoError(t, table.Upsert(types.FileMetadata{Filename: "alice/a.txt", TransferID: "t-1"}))

	require.NoError(t, table.Delete("alice/a.txt"))
	_, ok := table.Get("alice/a.txt")
	assert.False(t, ok)

	// deleting again is a no-op
	require.NoError(t, table.Delete("alice/a.txt"))
}

func TestMetadataTableRenameFileAndPrefix(t *testing.T) {
	table := NewMetadataTable(filepath.Join(t.TempDir(), "metadata.json"))
	require.NoError(t, table.Upsert(types.FileMetadata{Filename: "alice/docs/a.txt", TransferID: "t-1"}))
	require.NoError(t, table.Upsert(types.FileMetadata{Filename: "alice/docs/b.txt", TransferID: "t-2"}))
	require.NoError(t, table.Upsert(types.FileMetadata{Filename: "alice/docsother/c.txt", TransferID: "t-3"}))

	// directory rename moves everything under the prefix, not lookalikes
	require.NoError(t, table.Rename("alice/docs", "alice/archive"))

	_, ok := table.Get("alice/docs/a.txt")
	assert.False(t, ok)
	md, ok := table.Get("alice/archive/a.txt")
	require.True(t, ok)
	assert.Equal(t, "alice/archive/a.txt", md.Filename)
	_, ok = table.Get("alice/archive/b.txt")
	assert.True(t, ok)
	_, ok = table.Get("alice/docsother/c.txt")
	assert.True(t, ok)

	// exact file rename
	require.NoError(t, table.Rename("alice/archive/a.txt", "alice/archive/z.txt"))
	_, ok = table.Get("alice/archive/z.txt")
	assert.True(t, ok)
}
