package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type collectingSink struct {
	updates []Update
}

func (s *collectingSink) OnProgress(u Update) {
	s.updates = append(s.updates, u)
}

func testConfig() Config {
	return Config{
		MinUpdateInterval:       0,
		MaxUpdateInterval:       5 * time.Second,
		ProgressChangeThreshold: 0.01,
		HistoryRetention:        7 * 24 * time.Hour,
	}
}

func TestReportEmitsFirstUpdateUnconditionally(t *testing.T) {
	sink := &collectingSink{}
	est := New(testConfig(), sink)
	est.StartTask("t1", "hash", StartOptions{TotalItems: 10})

	est.Report("t1", 10, "")

	require.Len(t, sink.updates, 1)
}

func TestReportSuppressesSmallDeltaWithinThreshold(t *testing.T) {
	sink := &collectingSink{}
	cfg := testConfig()
	cfg.MinUpdateInterval = 0
	cfg.ProgressChangeThreshold = 0.5 // 50%
	est := New(cfg, sink)
	est.StartTask("t1", "hash", StartOptions{TotalItems: 100})

	est.Report("t1", 1, "")  // first emission, unconditional
	est.Report("t1", 2, "")  // delta well under 50%, suppressed

	require.Len(t, sink.updates, 1)
}

func TestReportEmitsWhenThresholdExceeded(t *testing.T) {
	sink := &collectingSink{}
	cfg := testConfig()
	cfg.ProgressChangeThreshold = 0.05
	est := New(cfg, sink)
	est.StartTask("t1", "hash", StartOptions{})

	est.Report("t1", 1, "")
	est.Report("t1", 10, "")

	require.Len(t, sink.updates, 2)
}

func TestSingleStageUnknownTotalUsesStageFraction(t *testing.T) {
	sink := &collectingSink{}
	est := New(testConfig(), sink)
	est.StartTask("t1", "scan", StartOptions{})

	est.Report("t1", 37, "")

	state, ok := est.State("t1")
	require.True(t, ok)
	require.InDelta(t, 0.37, state.Overall, 0.001)
}

func TestMultiStageComposesWeightedProgress(t *testing.T) {
	sink := &collectingSink{}
	est := New(testConfig(), sink)
	est.StartTask("t1", "scrape", StartOptions{Stages: []StageConfig{
		{Name: "fetch", Weight: 0.5},
		{Name: "write", Weight: 0.5},
	}})

	est.Report("t1", 100, "") // finishes stage 0 at 100% local fraction
	est.AdvanceStage("t1")
	est.Report("t1", 50, "") // stage 1 half done

	state, ok := est.State("t1")
	require.True(t, ok)
	require.InDelta(t, 0.75, state.Overall, 0.001)
}

func TestFinishTaskUpdatesHistoryEMA(t *testing.T) {
	sink := &collectingSink{}
	est := New(testConfig(), sink)
	est.StartTask("t1", "hash", StartOptions{TotalItems: 10})
	est.Report("t1", 5, "")
	est.FinishTask("t1", true, 2*time.Second)

	hist, ok := est.History("hash")
	require.True(t, ok)
	require.Equal(t, int64(1), hist.SampleCount)
	require.Equal(t, 2*time.Second, hist.AvgDuration)

	est.StartTask("t2", "hash", StartOptions{TotalItems: 10})
	est.Report("t2", 5, "")
	est.FinishTask("t2", true, 4*time.Second)

	hist, ok = est.History("hash")
	require.True(t, ok)
	require.Equal(t, int64(2), hist.SampleCount)
	require.Greater(t, hist.AvgDuration, 2*time.Second)
	require.Less(t, hist.AvgDuration, 4*time.Second)
}

func TestStartTaskSeedsETAFromHistory(t *testing.T) {
	sink := &collectingSink{}
	est := New(testConfig(), sink)
	est.StartTask("t1", "hash", StartOptions{TotalItems: 10})
	est.FinishTask("t1", true, 3*time.Second)

	state := est.StartTask("t2", "hash", StartOptions{TotalItems: 10})
	require.True(t, state.ETAKnown)
	require.Equal(t, 3*time.Second, state.EstimatedETA)
}

func TestPruneHistoryRemovesStaleEntries(t *testing.T) {
	sink := &collectingSink{}
	cfg := testConfig()
	cfg.HistoryRetention = time.Hour
	est := New(cfg, sink)
	est.StartTask("t1", "hash", StartOptions{TotalItems: 1})
	est.FinishTask("t1", true, time.Second)

	pruned := est.PruneHistory(time.Now().Add(2 * time.Hour))
	require.Equal(t, 1, pruned)

	_, ok := est.History("hash")
	require.False(t, ok)
}
