package geocode

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/textsim"
)

// ReverseResult is the address chosen for a coordinate.
type ReverseResult struct {
	Source     model.Source `json:"source"`
	Address    string       `json:"address"`
	Similarity float64      `json:"similarity"`
}

// MultiReverser asks every configured reverser about a coordinate and keeps
// the address that best describes the query name.
type MultiReverser struct {
	reversers []Reverser
	timeout   time.Duration
	cache     *reverseCache
}

// NewMultiReverser creates a MultiReverser. Reversers are consulted in the
// order given, which also breaks similarity ties. maxCached <= 0 disables
// the cache.
func NewMultiReverser(reversers []Reverser, timeout time.Duration, maxCached int) *MultiReverser {
	m := &MultiReverser{reversers: reversers, timeout: timeout}
	if maxCached > 0 {
		m.cache = newReverseCache(maxCached)
	}
	return m
}

// Best returns the most similar address for c, or nil when no reverser
// answered. Reverser failures are logged and otherwise ignored.
func (m *MultiReverser) Best(ctx context.Context, name string, c model.Coordinate) *ReverseResult {
	if m == nil || len(m.reversers) == 0 {
		return nil
	}

	addrs := make([]string, len(m.reversers))
	g, gCtx := errgroup.WithContext(ctx)
	for i, r := range m.reversers {
		g.Go(func() error {
			addr, err := m.lookup(gCtx, r, c)
			if err != nil {
				zap.L().Debug("reverse geocode failed",
					zap.String("source", string(r.Source())),
					zap.String("error_kind", string(Classify(err))),
					zap.Error(err),
				)
				return nil
			}
			addrs[i] = addr
			return nil
		})
	}
	_ = g.Wait()

	var best *ReverseResult
	for i, addr := range addrs {
		if addr == "" {
			continue
		}
		sim := textsim.AddressSimilarity(name, addr)
		if best == nil || sim > best.Similarity {
			best = &ReverseResult{Source: m.reversers[i].Source(), Address: addr, Similarity: sim}
		}
	}
	return best
}

func (m *MultiReverser) lookup(ctx context.Context, r Reverser, c model.Coordinate) (string, error) {
	key := reverseKey(r.Source(), c)
	if m.cache != nil {
		if addr, ok := m.cache.get(key); ok {
			return addr, nil
		}
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	addr, err := r.Reverse(ctx, c)
	if err != nil {
		return "", err
	}
	if m.cache != nil {
		m.cache.put(key, addr)
	}
	return addr, nil
}

// reverseKey returns SHA-256 hex of the source and coordinate rounded to
// five decimals (about one metre).
func reverseKey(src model.Source, c model.Coordinate) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%.5f|%.5f", src, c.Lat, c.Lng)))
	return fmt.Sprintf("%x", h)
}

// reverseCache is a bounded in-memory map. When full it is cleared, which
// is enough for batch-sized working sets.
type reverseCache struct {
	mu      sync.RWMutex
	max     int
	entries map[string]string
}

func newReverseCache(maxEntries int) *reverseCache {
	return &reverseCache{max: maxEntries, entries: make(map[string]string)}
}

func (c *reverseCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *reverseCache) put(key, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.entries = make(map[string]string, c.max)
	}
	c.entries[key] = addr
}
