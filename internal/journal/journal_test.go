package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_Destination(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	modTime := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	id, err := j.Destination(ctx, "/data/big.bin", 100, modTime)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, j.Begin(ctx, "/data/big.bin", 100, modTime, "file-1"))

	id, err = j.Destination(ctx, "/data/big.bin", 100, modTime)
	require.NoError(t, err)
	assert.Equal(t, "file-1", id)

	id, err = j.Destination(ctx, "/data/big.bin", 101, modTime)
	require.NoError(t, err)
	assert.Empty(t, id, "size changed")

	id, err = j.Destination(ctx, "/data/big.bin", 100, modTime.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, id, "modification time changed")
}

func TestJournal_Parts(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	require.NoError(t, j.Begin(ctx, "/data/big.bin", 100, time.Now(), "file-1"))
	require.NoError(t, j.MarkCompleted(ctx, "file-1", Part{Number: 1, Start: 0, End: 50, Digest: "aa", ETag: "e1"}))
	require.NoError(t, j.MarkCompleted(ctx, "file-1", Part{Number: 2, Start: 50, End: 100, Digest: "bb", ETag: "e2"}))
	require.NoError(t, j.MarkCompleted(ctx, "file-2", Part{Number: 1, Start: 0, End: 10, Digest: "cc", ETag: "e3"}))

	parts, err := j.Completed(ctx, "file-1")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, Part{Number: 2, Start: 50, End: 100, Digest: "bb", ETag: "e2"}, parts[2])

	require.NoError(t, j.Forget(ctx, "file-1"))

	parts, err = j.Completed(ctx, "file-1")
	require.NoError(t, err)
	assert.Empty(t, parts)

	id, err := j.Destination(ctx, "/data/big.bin", 100, time.Now())
	require.NoError(t, err)
	assert.Empty(t, id)

	parts, err = j.Completed(ctx, "file-2")
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}
