package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONRecordsWithRunID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(context.Background(), WithDir(dir), WithRunID("run-1"), WithTraceID("trace-1"))
	require.NoError(t, err)

	logger.WithSpanID("span-1").Logger.Info("launch started", "platform", "iOS")
	require.NoError(t, logger.Close())

	assert.True(t, strings.HasPrefix(filepath.Base(logger.Path()), "mlaunch-"))
	assert.True(t, strings.HasSuffix(logger.Path(), "-run-1.log"))

	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &record))
	assert.Equal(t, "launch started", record["msg"])
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, "trace-1", record["trace_id"])
	assert.Equal(t, "span-1", record["span_id"])
	assert.Equal(t, "iOS", record["platform"])
}

func TestNewGeneratesRunID(t *testing.T) {
	t.Parallel()

	logger, err := New(context.Background(), WithDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	_, err = uuid.Parse(logger.RunID())
	assert.NoError(t, err)
}

func TestVerboseEnablesDebugRecords(t *testing.T) {
	t.Parallel()

	for _, verbose := range []bool{false, true} {
		logger, err := New(context.Background(), WithDir(t.TempDir()), WithVerbose(verbose))
		require.NoError(t, err)
		logger.Logger.Debug("debug detail")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logger.Path())
		require.NoError(t, err)
		assert.Equal(t, verbose, strings.Contains(string(data), "debug detail"))
	}
}

func TestPruneKeepsNewestFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{
		"mlaunch-20260101-000000-a.log",
		"mlaunch-20260102-000000-b.log",
		"mlaunch-20260103-000000-c.log",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	require.NoError(t, Prune(dir, 2))

	files, err := Files(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "mlaunch-20260103-000000-c.log", filepath.Base(files[0]))
	assert.Equal(t, "mlaunch-20260102-000000-b.log", filepath.Base(files[1]))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestFilesOnMissingDirectory(t *testing.T) {
	t.Parallel()

	files, err := Files(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, files)
}
