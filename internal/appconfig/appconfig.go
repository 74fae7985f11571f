// Package appconfig loads the small set of environment-driven inputs
// the task queue core consumes. It deliberately does not load from
// files or flags: configuration loading beyond these inputs is out of
// scope for the core.
package appconfig

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable knob the core reads.
type Config struct {
	MaxConcurrent           int
	ChunkSizeBytes          int64
	MinUpdateInterval       time.Duration
	MaxUpdateInterval       time.Duration
	ProgressChangeThreshold float64
	HistoryRetention        time.Duration
	HashCacheCapacity       int
}

// Default returns the documented defaults for every tunable.
func Default() Config {
	return Config{
		MaxConcurrent:           4,
		ChunkSizeBytes:          64 * 1024 * 1024,
		MinUpdateInterval:       100 * time.Millisecond,
		MaxUpdateInterval:       5 * time.Second,
		ProgressChangeThreshold: 0.01,
		HistoryRetention:        7 * 24 * time.Hour,
		HashCacheCapacity:       10_000,
	}
}

// FromEnv returns Default() with any recognized environment variable
// overriding its field. Malformed values are ignored and the default is
// kept, following a getter-with-fallback idiom.
func FromEnv() Config {
	cfg := Default()

	if v, ok := getInt("TASKQUEUE_MAX_CONCURRENT"); ok && v > 0 {
		cfg.MaxConcurrent = v
	}
	if v, ok := getInt64("TASKQUEUE_CHUNK_SIZE_BYTES"); ok && v > 0 {
		cfg.ChunkSizeBytes = v
	}
	if v, ok := getInt("TASKQUEUE_MIN_UPDATE_INTERVAL_MS"); ok && v > 0 {
		cfg.MinUpdateInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := getInt("TASKQUEUE_MAX_UPDATE_INTERVAL_MS"); ok && v > 0 {
		cfg.MaxUpdateInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := getFloat("TASKQUEUE_PROGRESS_THRESHOLD"); ok && v > 0 {
		cfg.ProgressChangeThreshold = v
	}
	if v, ok := getInt("TASKQUEUE_HISTORY_RETENTION_HOURS"); ok && v > 0 {
		cfg.HistoryRetention = time.Duration(v) * time.Hour
	}
	if v, ok := getInt("TASKQUEUE_HASH_CACHE_CAPACITY"); ok && v > 0 {
		cfg.HashCacheCapacity = v
	}

	return cfg
}

func getInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func getInt64(key string) (int64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func getFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
