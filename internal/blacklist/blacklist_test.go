package blacklist

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmdata/market-data-api/internal/quote"
	"github.com/pmdata/market-data-api/internal/store"
)

type captureNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (c *captureNotifier) NotifyError(title string, err error, context map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.titles)
}

func newTestList(t *testing.T, cfg Config) (*List, *captureNotifier) {
	t.Helper()
	n := &captureNotifier{}
	l := New(store.NewMemoryStore(), cfg, n)
	return l, n
}

func TestTripAfterThreshold(t *testing.T) {
	l, n := newTestList(t, Config{MaxFailures: 3, CooldownHours: 24})

	l.RecordFailure("AAPL", quote.MarketUS, "timeout")
	l.RecordFailure("AAPL", quote.MarketUS, "timeout")
	assert.False(t, l.IsBlacklisted("AAPL", quote.MarketUS), "below threshold should not trip")
	assert.Equal(t, 0, n.count())

	e := l.RecordFailure("AAPL", quote.MarketUS, "timeout")
	assert.Equal(t, 3, e.FailureCount)
	assert.NotEmpty(t, e.CooldownUntil)
	assert.True(t, l.IsBlacklisted("AAPL", quote.MarketUS))
	assert.Equal(t, 1, n.count(), "exactly one alert on trip")

	// Further failures do not re-alert or reset cooldown.
	before := e.CooldownUntil
	e = l.RecordFailure("AAPL", quote.MarketUS, "timeout")
	assert.Equal(t, before, e.CooldownUntil)
	assert.Equal(t, 1, n.count())
}

func TestSuccessClearsState(t *testing.T) {
	l, _ := newTestList(t, Config{MaxFailures: 3, CooldownHours: 24})

	l.RecordFailure("7203.T", quote.MarketJP, "network")
	l.RecordFailure("7203.T", quote.MarketJP, "network")
	l.RecordSuccess("7203.T")

	// Streak restarted from zero: two more failures still below threshold.
	l.RecordFailure("7203.T", quote.MarketJP, "network")
	e := l.RecordFailure("7203.T", quote.MarketJP, "network")
	assert.Equal(t, 2, e.FailureCount)
	assert.False(t, l.IsBlacklisted("7203.T", quote.MarketJP))
}

func TestCooldownExpiry(t *testing.T) {
	l, _ := newTestList(t, Config{MaxFailures: 1, CooldownHours: 24})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.RecordFailure("MSFT", quote.MarketUS, "rate limit")
	require.True(t, l.IsBlacklisted("MSFT", quote.MarketUS))

	now = now.Add(25 * time.Hour)
	assert.False(t, l.IsBlacklisted("MSFT", quote.MarketUS), "expired cooldown must release the symbol")

	// Expired entry is removed on read, not just ignored.
	assert.Empty(t, l.Entries())
}

func TestNormalizedKeySharedAcrossForms(t *testing.T) {
	l, _ := newTestList(t, Config{MaxFailures: 2, CooldownHours: 24})

	l.RecordFailure("7203.T", quote.MarketJP, "timeout")
	l.RecordFailure("7203", quote.MarketJP, "timeout")

	assert.True(t, l.IsBlacklisted("7203", quote.MarketJP))
	assert.True(t, l.IsBlacklisted("7203.T", quote.MarketJP))
	assert.Len(t, l.Entries(), 1)
	assert.Equal(t, []string{"7203"}, l.Symbols())
}

func TestFailOpenOnStoreError(t *testing.T) {
	n := &captureNotifier{}
	l := New(failingStore{}, Config{MaxFailures: 3, CooldownHours: 24}, n)

	assert.False(t, l.IsBlacklisted("AAPL", quote.MarketUS), "store errors must not block fetching")
	e := l.RecordFailure("AAPL", quote.MarketUS, "timeout")
	assert.Equal(t, 1, e.FailureCount)
}

func TestCleanup(t *testing.T) {
	l, _ := newTestList(t, Config{MaxFailures: 1, CooldownHours: 24})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.RecordFailure("AAPL", quote.MarketUS, "timeout")
	now = now.Add(2 * time.Hour)
	l.RecordFailure("MSFT", quote.MarketUS, "timeout")

	now = now.Add(23 * time.Hour) // AAPL expired, MSFT still cooling
	removed := l.Cleanup()
	assert.Equal(t, 1, removed)

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "MSFT", entries[0].Symbol)
}

type failingStore struct{}

func (failingStore) Get(key string, out any) (bool, error) { return false, assert.AnError }
func (failingStore) Put(key string, v any) error           { return assert.AnError }
func (failingStore) Delete(key string) error               { return assert.AnError }
func (failingStore) Keys(prefix string) ([]string, error)  { return nil, assert.AnError }
