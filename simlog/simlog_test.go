package simlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if raw == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestCPULogWritesStructuredEvents(t *testing.T) {
	dir := t.TempDir()
	log, err := NewCPULog(dir, 2)
	require.NoError(t, err)

	log.Event(EventArrival, 7, 123)
	log.Event(EventFinish, 7, 123)
	require.NoError(t, log.Close())

	lines := readLines(t, filepath.Join(dir, "log-2"))
	require.Len(t, lines, 2)
	require.EqualValues(t, 2, lines[0]["cpu"])
	require.Equal(t, "arrival", lines[0]["event"])
	require.EqualValues(t, 7, lines[0]["pid"])
	require.EqualValues(t, 123, lines[0]["deadline"])
	require.Equal(t, "finish", lines[1]["event"])
}

func TestErrorLogWritesViolationAndUnderflow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "error_log.txt")
	errLog, err := NewErrorLog(path)
	require.NoError(t, err)

	errLog.Violation(3, "heap-ordering", require.AnError, strings.NewReader("dump-blob"))
	errLog.Underflow(3, "take on empty")
	require.NoError(t, errLog.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "invariant violation")
	require.Contains(t, content, "runqueue underflow")
	require.Contains(t, content, "dump-blob")
}

func TestErrorLogViolationWithNilDump(t *testing.T) {
	dir := t.TempDir()
	errLog, err := NewErrorLog(filepath.Join(dir, "error_log.txt"))
	require.NoError(t, err)

	errLog.Violation(1, "cross-consistency", require.AnError, nil)
	require.NoError(t, errLog.Close())
}
