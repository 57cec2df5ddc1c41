package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ceylontea/backend/internal/domain"
)

// ReportCache stores rendered reports. Keys embed a generation number that
// Invalidate bumps, so stale entries are never read again and simply expire.
type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.Report, bool, error)
	Set(ctx context.Context, key string, value *domain.Report, ttl time.Duration) error
	Generation(ctx context.Context) (int64, error)
	Invalidate(ctx context.Context) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.Report, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.Report, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Generation(_ context.Context) (int64, error) {
	return 0, nil
}

func (NoopReportCache) Invalidate(_ context.Context) error {
	return nil
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryReportCache keeps reports in process. Values are stored as JSON so a
// hit returns the same shape a Redis round trip would.
type MemoryReportCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	generation int64
	now        func() time.Time
}

func NewMemoryReportCache() *MemoryReportCache {
	return &MemoryReportCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryReportCache) Get(_ context.Context, key string) (*domain.Report, bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	var report domain.Report
	if err := json.Unmarshal(entry.payload, &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *MemoryReportCache) Set(_ context.Context, key string, value *domain.Report, ttl time.Duration) error {
	if value == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{payload: payload, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryReportCache) Generation(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, nil
}

func (c *MemoryReportCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	clear(c.entries)
	return nil
}
