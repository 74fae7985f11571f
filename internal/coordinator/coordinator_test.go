package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kmkrofficial/taskqueue-core/internal/executor"
	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
	"github.com/kmkrofficial/taskqueue-core/internal/taskstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	store, err := taskstore.Open(db)
	require.NoError(t, err)
	return store
}

func TestEncodeFrameRoundTrips(t *testing.T) {
	raw, err := encodeFrame(frameHeartbeat, heartbeatFrame{NodeID: "n1", LoadZeroOne: 0.5})
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, frameHeartbeat, env.Type)

	var hb heartbeatFrame
	require.NoError(t, json.Unmarshal(env.Payload, &hb))
	require.Equal(t, "n1", hb.NodeID)
	require.InDelta(t, 0.5, hb.LoadZeroOne, 0.0001)
}

func TestServerDispatchesClaimedTaskToWorker(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Insert(&taskstore.Task{ID: "task-1", TaskType: "hash", Payload: "{}"}))

	srv := NewServer(DefaultServerConfig(), store, testLogger())
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/coordinator/ws"

	reg := executor.NewRegistry()
	reg.Register("hash", executor.ExecutorFunc(func(ctx *taskctx.Context, payload string) (executor.Result, error) {
		return executor.Result{Payload: "done"}, nil
	}))

	client := NewClient(ClientConfig{
		MasterURL:    wsURL,
		Hostname:     "worker-1",
		Capabilities: []string{"hash"},
		PollInterval: 100 * time.Millisecond,
	}, reg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		task, err := store.Get("task-1")
		return err == nil && task.Status == taskstore.StatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	task, err := store.Get("task-1")
	require.NoError(t, err)
	require.Equal(t, "done", task.Result)
}

func TestIdleWorkerStaysOnlineWhenNothingMatches(t *testing.T) {
	store := newTestStore(t)

	srv := NewServer(DefaultServerConfig(), store, testLogger())
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/coordinator/ws"

	reg := executor.NewRegistry()
	reg.Register("hash", executor.ExecutorFunc(func(ctx *taskctx.Context, payload string) (executor.Result, error) {
		return executor.Result{}, nil
	}))

	client := NewClient(ClientConfig{
		MasterURL:    wsURL,
		Hostname:     "worker-1",
		Capabilities: []string{"hash"},
		PollInterval: 50 * time.Millisecond,
	}, reg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return len(srv.Workers()) == 1 && srv.Workers()[0].Online
	}, 2*time.Second, 50*time.Millisecond)
}

func TestReapTimedOutWorkersReclaimsOrphans(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Insert(&taskstore.Task{ID: "task-1", TaskType: "hash", Payload: "{}"}))
	task, err := store.ClaimPending("ghost-node", []string{"hash"})
	require.NoError(t, err)
	require.NotNil(t, task)

	cfg := DefaultServerConfig()
	cfg.HeartbeatTimeout = 10 * time.Millisecond
	srv := NewServer(cfg, store, testLogger())

	srv.mu.Lock()
	srv.workers["ghost-node"] = &WorkerInfo{
		NodeID:        "ghost-node",
		LastHeartbeat: time.Now().Add(-time.Hour),
		Online:        true,
	}
	srv.mu.Unlock()

	srv.ReapTimedOutWorkers()

	reloaded, err := store.Get("task-1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusPending, reloaded.Status)
	require.Empty(t, reloaded.NodeID)

	workers := srv.Workers()
	require.Len(t, workers, 1)
	require.False(t, workers[0].Online)
}
