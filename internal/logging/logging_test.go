package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_WritesToStderrAndFile(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "structura.log")

	sink, err := Open(Options{Path: path, MaxSizeMB: 1, Stderr: &stderr})
	require.NoError(t, err)

	sink.Logger("engine").Printf("loaded %d rows", 3)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.Contains(t, stderr.String(), "[engine] ")
	assert.Contains(t, stderr.String(), "loaded 3 rows")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[engine] ")
}

func TestSink_StderrOnly(t *testing.T) {
	var stderr bytes.Buffer
	sink, err := Open(Options{Stderr: &stderr})
	require.NoError(t, err)

	sink.Logger("sync").Println("flushed")
	assert.Contains(t, stderr.String(), "[sync] ")
	assert.NoError(t, sink.Rotate())
	assert.NoError(t, sink.Close())
}

func TestSink_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "structura.log")

	sink, err := Open(Options{Path: path, Stderr: &bytes.Buffer{}})
	require.NoError(t, err)
	defer sink.Close()

	sink.Logger("gateway").Println("before")
	require.NoError(t, sink.Rotate())
	sink.Logger("gateway").Println("after")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "current file plus one backup")
}
