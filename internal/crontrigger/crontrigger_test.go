package crontrigger

import (
	"io"
	"log/slog"
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
	f.calls = append(f.calls, taskType)
	return "task-1", nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestAddJobRunsRepeatedlyOnSchedule(t *testing.T) {
	sub := &fakeSubmitter{}
	trig := New(sub, testLogger())
	require.NoError(t, trig.AddJob(Job{
		Name:     "cleanup",
		Spec:     "@every 50ms",
		TaskType: "cleanup",
	}))
	trig.Start()
	defer trig.Stop()

	require.Eventually(t, func() bool { return sub.count() >= 2 }, 2*time.Second, 20*time.Millisecond)
}

func TestAddJobReplacesExistingByName(t *testing.T) {
	sub := &fakeSubmitter{}
	trig := New(sub, testLogger())

	require.NoError(t, trig.AddJob(Job{Name: "maintenance", Spec: "@every 1h", TaskType: "cleanup"}))
	require.NoError(t, trig.AddJob(Job{Name: "maintenance", Spec: "@every 1h", TaskType: "scan"}))

	require.Len(t, trig.entries, 1)
}

func TestRemoveJobStopsFutureRuns(t *testing.T) {
	sub := &fakeSubmitter{}
	trig := New(sub, testLogger())
	require.NoError(t, trig.AddJob(Job{Name: "cleanup", Spec: "@every 30ms", TaskType: "cleanup"}))
	trig.Start()

	require.Eventually(t, func() bool { return sub.count() >= 1 }, time.Second, 10*time.Millisecond)
	trig.RemoveJob("cleanup")
	countAfterRemove := sub.count()

	time.Sleep(150 * time.Millisecond)
	trig.Stop()
	require.Equal(t, countAfterRemove, sub.count())
}
