package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestLogWritesOneJSONLinePerEntry(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir).WithClock(fixedClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))

	l.Log(ActorOrchestrator, ActionTaskProcessed, true, map[string]any{"task_id": "t1"}, "", "s1")

	path := filepath.Join(dir, "audit_2026-08-24.log")
	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	require.Equal(t, ActorOrchestrator, entries[0].Actor)
	require.Equal(t, "t1", entries[0].Details["task_id"])
	require.Equal(t, "s1", entries[0].SessionID)
}

func TestLogIsAppendOnlyNotDeduplicated(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)

	details := map[string]any{"task_id": "same"}
	l.Log(ActorAgent, ActionTaskProcessed, true, details, "", "")
	l.Log(ActorAgent, ActionTaskProcessed, true, details, "", "")

	entries := readEntries(t, l.File())
	require.Len(t, entries, 2)
}

func TestLogRotatesByDay(t *testing.T) {
	dir := t.TempDir()
	day1 := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 25, 0, 1, 0, 0, time.UTC)

	current := day1
	l := NewLogger(dir).WithClock(func() time.Time { return current })

	l.Log(ActorWatcher, ActionWatcherEvent, true, nil, "", "")
	current = day2
	l.Log(ActorWatcher, ActionWatcherEvent, true, nil, "", "")

	require.FileExists(t, filepath.Join(dir, "audit_2026-08-24.log"))
	require.FileExists(t, filepath.Join(dir, "audit_2026-08-25.log"))
}

func TestLogUnserializableDetailFallsBack(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)

	// A channel cannot be marshaled to JSON.
	l.Log(ActorMCP, ActionMCPCall, true, map[string]any{"bad": make(chan int)}, "", "")

	entries := readEntries(t, l.File())
	require.Len(t, entries, 1)
	require.Equal(t, ActionError, entries[0].Action)
	require.False(t, entries[0].Success)
	require.Contains(t, entries[0].Error, "serialize")
}

func TestConcurrentWritersProduceWholeLines(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.LogTaskProcessed("task", "email", time.Second, true, "", "")
		}()
	}
	wg.Wait()

	entries := readEntries(t, l.File())
	require.Len(t, entries, 20)
}

func TestSafeSummaryTruncatesLargePayloads(t *testing.T) {
	big := map[string]any{}
	for i := 0; i < 50; i++ {
		big[string(rune('a'+i%26))+string(rune('0'+i/26))] = i
	}
	out := SafeSummaryMap(big)
	require.Contains(t, out, "summary")
	require.Contains(t, out["summary"], "50 keys")

	items := make([]any, 30)
	for i := range items {
		items[i] = i
	}
	listOut, ok := SafeSummary(items).(map[string]any)
	require.True(t, ok)
	require.Contains(t, listOut["summary"], "30 items")
	require.Len(t, listOut["sample_items"], 5)
}

func TestSafeSummaryKeepsScalars(t *testing.T) {
	require.Equal(t, "hello", SafeSummary("hello"))
	require.Equal(t, 42, SafeSummary(42))
	require.Nil(t, SafeSummary(nil))
	require.Equal(t, struct{}{}, SafeSummary(struct{}{}))
}
