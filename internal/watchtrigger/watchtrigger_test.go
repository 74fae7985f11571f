package watchtrigger

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSubmitter) Submit(taskType, description, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, payload)
	return "task-1", nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestWatcherSubmitsScanAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}

	w, err := New(Config{Directory: dir, DebounceWindow: 100 * time.Millisecond}, sub, testLogger())
	require.NoError(t, err)
	go w.Run()
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return sub.count() == 1 }, 2*time.Second, 20*time.Millisecond)

	var payload scanPayload
	require.NoError(t, json.Unmarshal([]byte(sub.calls[0]), &payload))
	require.Equal(t, dir, payload.Directory)
	require.True(t, payload.Recursive)
}

func TestWatcherDebouncesBurstIntoSingleSubmit(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}

	w, err := New(Config{Directory: dir, DebounceWindow: 200 * time.Millisecond}, sub, testLogger())
	require.NoError(t, err)
	go w.Run()
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f"+string(rune('0'+i))+".txt"), []byte("x"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return sub.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, sub.count())
}

func TestCloseStopsWatcher(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}

	w, err := New(Config{Directory: dir}, sub, testLogger())
	require.NoError(t, err)
	go w.Run()
	require.NoError(t, w.Close())
}
