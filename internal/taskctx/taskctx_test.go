package taskctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	taskID   string
	fraction float64
	message  string
}

func (r *recordingReporter) Report(taskID string, fraction float64, message string) {
	r.taskID = taskID
	r.fraction = fraction
	r.message = message
}

func TestCheckPauseReturnsImmediatelyWhenRunning(t *testing.T) {
	handle, ctx := NewHandle(context.Background(), "t1", "hash")
	tc := handle.NewContext(ctx, nil)

	require.False(t, tc.CheckPause())
}

func TestCheckPauseReturnsTrueWhenCancelled(t *testing.T) {
	handle, ctx := NewHandle(context.Background(), "t1", "hash")
	tc := handle.NewContext(ctx, nil)

	handle.Cancel()
	require.True(t, tc.CheckPause())

	select {
	case <-tc.Done():
	default:
		t.Fatal("expected derived context to be cancelled")
	}
}

func TestCheckPauseBlocksUntilResume(t *testing.T) {
	handle, ctx := NewHandle(context.Background(), "t1", "hash")
	tc := handle.NewContext(ctx, nil)

	handle.Pause()

	done := make(chan bool, 1)
	go func() { done <- tc.CheckPause() }()

	select {
	case <-done:
		t.Fatal("CheckPause returned before resume was broadcast")
	case <-time.After(50 * time.Millisecond):
	}

	handle.Resume()

	select {
	case cancelled := <-done:
		require.False(t, cancelled)
	case <-time.After(time.Second):
		t.Fatal("CheckPause did not unblock after resume")
	}
}

func TestCheckPauseBlocksUntilCancel(t *testing.T) {
	handle, ctx := NewHandle(context.Background(), "t1", "hash")
	tc := handle.NewContext(ctx, nil)

	handle.Pause()

	done := make(chan bool, 1)
	go func() { done <- tc.CheckPause() }()

	handle.Cancel()

	select {
	case cancelled := <-done:
		require.True(t, cancelled)
	case <-time.After(time.Second):
		t.Fatal("CheckPause did not unblock after cancel")
	}
}

func TestDuplicateReceivesCommandsIndependently(t *testing.T) {
	handle, ctx := NewHandle(context.Background(), "t1", "hash")
	parent := handle.NewContext(ctx, nil)
	child := parent.Duplicate()
	defer child.Close()

	handle.Pause()

	parentDone := make(chan bool, 1)
	childDone := make(chan bool, 1)
	go func() { parentDone <- parent.CheckPause() }()
	go func() { childDone <- child.CheckPause() }()

	handle.Resume()

	select {
	case cancelled := <-parentDone:
		require.False(t, cancelled)
	case <-time.After(time.Second):
		t.Fatal("parent context did not unblock")
	}
	select {
	case cancelled := <-childDone:
		require.False(t, cancelled)
	case <-time.After(time.Second):
		t.Fatal("duplicated context did not unblock")
	}
}

func TestReportProgressRoutesToReporter(t *testing.T) {
	handle, ctx := NewHandle(context.Background(), "t1", "hash")
	reporter := &recordingReporter{}
	tc := handle.NewContext(ctx, reporter)

	tc.ReportProgress(42.5, "halfway")

	require.Equal(t, "t1", reporter.taskID)
	require.InDelta(t, 42.5, reporter.fraction, 0.001)
	require.Equal(t, "halfway", reporter.message)
}
