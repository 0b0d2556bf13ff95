package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemSinkRoundTrip(t *testing.T) {
	sink, err := NewFilesystemSink(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	info, err := sink.Put(ctx, "exports/job-1.csv", strings.NewReader("id,name\n1,a\n"))
	require.NoError(t, err)
	assert.Equal(t, "exports/job-1.csv", info.Path)
	assert.EqualValues(t, 12, info.Size)

	rc, err := sink.GetStream(ctx, "exports/job-1.csv")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,a\n", string(data))

	stat, err := sink.Stat(ctx, "exports/job-1.csv")
	require.NoError(t, err)
	assert.EqualValues(t, 12, stat.Size)
}

func TestFilesystemSinkListAndDelete(t *testing.T) {
	sink, err := NewFilesystemSink(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, path := range []string{
		"tmp/job-1/attempt-1/chunk-00000.csv",
		"tmp/job-1/attempt-1/chunk-00001.csv",
		"exports/job-1.csv",
	} {
		_, err := sink.Put(ctx, path, strings.NewReader("x"))
		require.NoError(t, err)
	}

	chunks, err := sink.List(ctx, "tmp/job-1/attempt-1/")
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	for _, path := range chunks {
		require.NoError(t, sink.Delete(ctx, path))
	}

	chunks, err = sink.List(ctx, "tmp/job-1/attempt-1/")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	all, err := sink.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"exports/job-1.csv"}, all)

	// Deleting a missing object is not an error.
	assert.NoError(t, sink.Delete(ctx, "exports/gone.csv"))
}

func TestFilesystemSinkRejectsEscapingPaths(t *testing.T) {
	sink, err := NewFilesystemSink(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = sink.Put(ctx, "../outside.txt", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = sink.GetStream(ctx, "/etc/passwd")
	assert.Error(t, err)
}
