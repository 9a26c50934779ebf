// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jessesrsmith/beat-link/pkg/interfaces"
	"github.com/jessesrsmith/beat-link/pkg/logger"
)

const (
	defaultCacheDir     = "./cache"
	cacheFilePrefix     = "cache_"
	cacheFileExt        = ".json"
	defaultMaxSize      = 100 * 1024 * 1024 // 100 MB
	defaultMaxAge       = 24 * time.Hour
	replayBatchSize     = 100
	healthCheckInterval = 30 * time.Second
)

// LocalCache provides file-based caching for presence and probe history
// events that could not be written to InfluxDB.
type LocalCache struct {
	cacheDir    string
	maxSize     int64
	maxAge      time.Duration
	mu          sync.Mutex
	currentSize int64
}

// CachedEvent represents a single history event stored on disk while
// InfluxDB is unreachable. Exactly one of Presence or Probe is set.
type CachedEvent struct {
	Presence  *interfaces.PresenceEvent `json:"presence,omitempty"`
	Probe     *interfaces.ProbeEvent    `json:"probe,omitempty"`
	CachedAt  time.Time                 `json:"cached_at"`
	AttemptID string                    `json:"attempt_id"`
}

// NewLocalCache creates a new local cache rooted at cacheDir.
func NewLocalCache(cacheDir string, maxSize int64, maxAge time.Duration) (*LocalCache, error) {
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache := &LocalCache{
		cacheDir: cacheDir,
		maxSize:  maxSize,
		maxAge:   maxAge,
	}

	if err := cache.updateCurrentSize(); err != nil {
		logger.Warn().Err(err).Msg("failed to calculate initial cache size")
	}

	if err := cache.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("failed to cleanup old cache files")
	}

	return cache, nil
}

// WritePresence caches a presence event.
func (lc *LocalCache) WritePresence(event *interfaces.PresenceEvent) error {
	return lc.write(&CachedEvent{
		Presence:  event,
		CachedAt:  time.Now(),
		AttemptID: fmt.Sprintf("presence_%d_%d", time.Now().UnixNano(), event.DeviceNumber),
	})
}

// WriteProbe caches a probe event.
func (lc *LocalCache) WriteProbe(event *interfaces.ProbeEvent) error {
	return lc.write(&CachedEvent{
		Probe:     event,
		CachedAt:  time.Now(),
		AttemptID: fmt.Sprintf("probe_%d_%d", time.Now().UnixNano(), event.DeviceNumber),
	})
}

func (lc *LocalCache) write(cached *CachedEvent) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.currentSize >= lc.maxSize {
		return fmt.Errorf("cache is full (%d >= %d bytes)", lc.currentSize, lc.maxSize)
	}

	filename := lc.generateFilename(cached.AttemptID)
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal cached event: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	lc.currentSize += int64(len(data))
	logger.Debug().
		Str("attempt_id", cached.AttemptID).
		Str("filename", filepath.Base(filename)).
		Int64("cache_size", lc.currentSize).
		Msg("written history event to cache")

	return nil
}

// ListCachedEvents returns all cached events sorted by cache timestamp.
func (lc *LocalCache) ListCachedEvents() ([]*CachedEvent, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(lc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list cache files: %w", err)
	}

	var events []*CachedEvent
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("failed to read cache file")
			continue
		}

		var cached CachedEvent
		if err := json.Unmarshal(data, &cached); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("failed to unmarshal cache file")
			continue
		}

		events = append(events, &cached)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].CachedAt.Before(events[j].CachedAt)
	})

	return events, nil
}

// DeleteCached deletes a specific cached event.
func (lc *LocalCache) DeleteCached(attemptID string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	filename := lc.generateFilename(attemptID)

	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("failed to stat cache file: %w", err)
	}

	if err := os.Remove(filename); err != nil {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}

	lc.currentSize -= info.Size()
	logger.Debug().Str("attempt_id", attemptID).Msg("deleted cached event")

	return nil
}

// CleanupOld removes cache files older than maxAge.
func (lc *LocalCache) CleanupOld() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(lc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return fmt.Errorf("failed to list cache files: %w", err)
	}

	cutoff := time.Now().Add(-lc.maxAge)
	deletedCount := 0

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}

		var cached CachedEvent
		if err := json.Unmarshal(data, &cached); err != nil {
			continue
		}

		if cached.CachedAt.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				logger.Warn().Err(err).Str("file", file).Msg("failed to delete old cache file")
				continue
			}
			deletedCount++
			lc.currentSize -= int64(len(data))
		}
	}

	if deletedCount > 0 {
		logger.Info().Int("count", deletedCount).Msg("cleaned up old cache files")
	}

	return nil
}

// GetCacheSize returns the current cache size in bytes.
func (lc *LocalCache) GetCacheSize() int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.currentSize
}

// GetMaxSize returns the maximum cache size.
func (lc *LocalCache) GetMaxSize() int64 {
	return lc.maxSize
}

func (lc *LocalCache) updateCurrentSize() error {
	files, err := filepath.Glob(filepath.Join(lc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return fmt.Errorf("failed to list cache files: %w", err)
	}

	var totalSize int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		totalSize += info.Size()
	}

	lc.currentSize = totalSize
	return nil
}

func (lc *LocalCache) generateFilename(attemptID string) string {
	return filepath.Join(lc.cacheDir, cacheFilePrefix+attemptID+cacheFileExt)
}

// CachingStorage wraps InfluxDBStorage with local file-cache fallback,
// implementing interfaces.HistoryStorage.
type CachingStorage struct {
	storage      *InfluxDBStorage
	cache        *LocalCache
	notifier     interfaces.Notifier
	ctx          context.Context
	cancel       context.CancelFunc
	replayWg     sync.WaitGroup
	cacheEnabled bool
	cacheMutex   sync.RWMutex
}

// NewCachingStorage creates a new caching storage wrapper and starts its
// background health-monitor/replay goroutine.
func NewCachingStorage(storage *InfluxDBStorage, cache *LocalCache, notifier interfaces.Notifier) *CachingStorage {
	ctx, cancel := context.WithCancel(context.Background())

	cs := &CachingStorage{
		storage:      storage,
		cache:        cache,
		notifier:     notifier,
		ctx:          ctx,
		cancel:       cancel,
		cacheEnabled: false,
	}

	cs.replayWg.Add(1)
	go cs.monitorAndReplay()

	return cs
}

// WritePresenceEvent writes a presence event, falling back to the local
// cache if InfluxDB is unavailable.
func (cs *CachingStorage) WritePresenceEvent(event *interfaces.PresenceEvent) error {
	err := cs.storage.WritePresenceEvent(event)
	if err == nil {
		return nil
	}

	cs.onWriteFailure(err)

	if cacheErr := cs.cache.WritePresence(event); cacheErr != nil {
		return fmt.Errorf("influxdb write failed and cache write failed: influxdb=%w, cache=%w", err, cacheErr)
	}

	cs.warnIfCacheFilling()
	return nil
}

// WriteProbeEvent writes a probe event, falling back to the local cache
// if InfluxDB is unavailable.
func (cs *CachingStorage) WriteProbeEvent(event *interfaces.ProbeEvent) error {
	err := cs.storage.WriteProbeEvent(event)
	if err == nil {
		return nil
	}

	cs.onWriteFailure(err)

	if cacheErr := cs.cache.WriteProbe(event); cacheErr != nil {
		return fmt.Errorf("influxdb write failed and cache write failed: influxdb=%w, cache=%w", err, cacheErr)
	}

	cs.warnIfCacheFilling()
	return nil
}

func (cs *CachingStorage) onWriteFailure(err error) {
	logger.Warn().Err(err).Msg("InfluxDB write failed, caching locally")

	cs.cacheMutex.Lock()
	firstFailure := !cs.cacheEnabled
	cs.cacheEnabled = true
	cs.cacheMutex.Unlock()

	if firstFailure && cs.notifier != nil && cs.notifier.IsEnabled() {
		alertCtx, alertCancel := context.WithTimeout(cs.ctx, 5*time.Second)
		defer alertCancel()
		msg := fmt.Sprintf("InfluxDB write failed, falling back to local cache: %v", err)
		if notifyErr := cs.notifier.SendAlert(alertCtx, "warning", "history storage degraded", msg); notifyErr != nil {
			logger.Error().Err(notifyErr).Msg("failed to send InfluxDB failure alert")
		}
	}
}

func (cs *CachingStorage) warnIfCacheFilling() {
	cacheSize := cs.cache.GetCacheSize()
	maxSize := cs.cache.GetMaxSize()
	if maxSize == 0 || cs.notifier == nil || !cs.notifier.IsEnabled() {
		return
	}
	if float64(cacheSize)/float64(maxSize) > 0.8 {
		alertCtx, alertCancel := context.WithTimeout(cs.ctx, 5*time.Second)
		defer alertCancel()
		msg := fmt.Sprintf("local history cache at %d/%d bytes", cacheSize, maxSize)
		if notifyErr := cs.notifier.SendAlert(alertCtx, "warning", "history cache filling up", msg); notifyErr != nil {
			logger.Error().Err(notifyErr).Msg("failed to send cache warning alert")
		}
	}
}

// Flush flushes pending writes.
func (cs *CachingStorage) Flush() {
	cs.storage.Flush()
}

// Close closes the storage and stops the replay goroutine.
func (cs *CachingStorage) Close() {
	logger.Info().Msg("closing caching storage")
	cs.cancel()
	cs.replayWg.Wait()
	cs.storage.Close()
}

// Health checks storage health.
func (cs *CachingStorage) Health(ctx context.Context) error {
	return cs.storage.Health(ctx)
}

// QueryLatestPresence delegates to the underlying InfluxDB storage.
func (cs *CachingStorage) QueryLatestPresence(ctx context.Context, deviceNumber int) (*interfaces.PresenceEvent, error) {
	return cs.storage.QueryLatestPresence(ctx, deviceNumber)
}

// monitorAndReplay monitors InfluxDB health and replays cached events once
// it becomes reachable again.
func (cs *CachingStorage) monitorAndReplay() {
	defer cs.replayWg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			if cs.ctx.Err() != nil {
				return
			}
			cs.cacheMutex.RLock()
			cacheEnabled := cs.cacheEnabled
			cs.cacheMutex.RUnlock()

			if !cacheEnabled {
				continue
			}

			healthCtx, healthCancel := context.WithTimeout(cs.ctx, 5*time.Second)
			err := cs.storage.Health(healthCtx)
			healthCancel()

			if err != nil {
				logger.Debug().Err(err).Msg("InfluxDB still unhealthy, keeping cache enabled")
				continue
			}

			logger.Info().Msg("InfluxDB is healthy, replaying cached history")
			if replayErr := cs.replayCachedEvents(); replayErr != nil {
				logger.Error().Err(replayErr).Msg("failed to replay cached history")
				continue
			}

			cs.cacheMutex.Lock()
			cs.cacheEnabled = false
			cs.cacheMutex.Unlock()

			if cs.notifier != nil && cs.notifier.IsEnabled() {
				alertCtx, alertCancel := context.WithTimeout(cs.ctx, 5*time.Second)
				defer alertCancel()
				if notifyErr := cs.notifier.SendAlert(alertCtx, "info", "history storage recovered", "InfluxDB is reachable again, cache replayed"); notifyErr != nil {
					logger.Error().Err(notifyErr).Msg("failed to send InfluxDB recovery alert")
				}
			}
		}
	}
}

// replayCachedEvents replays all cached events to InfluxDB.
func (cs *CachingStorage) replayCachedEvents() error {
	events, err := cs.cache.ListCachedEvents()
	if err != nil {
		return fmt.Errorf("failed to list cached events: %w", err)
	}

	if len(events) == 0 {
		logger.Info().Msg("no cached events to replay")
		return nil
	}

	logger.Info().Int("count", len(events)).Msg("replaying cached history events")

	successCount := 0
	failCount := 0

	for _, cached := range events {
		var replayErr error
		switch {
		case cached.Presence != nil:
			replayErr = cs.storage.WritePresenceEvent(cached.Presence)
		case cached.Probe != nil:
			replayErr = cs.storage.WriteProbeEvent(cached.Probe)
		default:
			replayErr = fmt.Errorf("cached event %s has neither presence nor probe payload", cached.AttemptID)
		}

		if replayErr != nil {
			logger.Warn().Err(replayErr).Str("attempt_id", cached.AttemptID).Msg("failed to replay cached event")
			failCount++
			continue
		}

		if err := cs.cache.DeleteCached(cached.AttemptID); err != nil {
			logger.Warn().Err(err).Str("attempt_id", cached.AttemptID).Msg("failed to delete replayed event from cache")
		}

		successCount++

		if successCount%replayBatchSize == 0 {
			cs.storage.Flush()
		}
	}

	cs.storage.Flush()

	logger.Info().
		Int("success", successCount).
		Int("failed", failCount).
		Int("total", len(events)).
		Msg("finished replaying cached history events")

	return nil
}
