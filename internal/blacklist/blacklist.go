// Package blacklist tracks per-symbol failure streaks and short-circuits
// retrieval for symbols that keep failing. A symbol that crosses the
// failure threshold is put on cooldown; while the cooldown lasts, the
// orchestrator serves fallback data without touching the network. One
// recorded success wipes the symbol's entire state.
package blacklist

import (
	"fmt"
	"time"

	"github.com/pmdata/market-data-api/internal/alerts"
	"github.com/pmdata/market-data-api/internal/observ"
	"github.com/pmdata/market-data-api/internal/quote"
	"github.com/pmdata/market-data-api/internal/store"
)

const keyPrefix = "blacklist:"

// Entry is the persisted state for one symbol.
type Entry struct {
	Symbol        string `json:"symbol"`
	Market        string `json:"market"`
	FailureCount  int    `json:"failureCount"`
	FirstFailure  string `json:"firstFailure"`
	LastFailure   string `json:"lastFailure"`
	Reason        string `json:"reason"`
	CooldownUntil string `json:"cooldownUntil,omitempty"`
}

// Config holds the trip threshold and cooldown. Both are product
// decisions, not constants of the design, so they always come from
// configuration.
type Config struct {
	MaxFailures   int `yaml:"max_failures"`
	CooldownHours int `yaml:"cooldown_hours"`
}

// List is the circuit breaker over a persistent store.
type List struct {
	store    store.Store
	cfg      Config
	notifier alerts.Notifier

	now func() time.Time // injectable for tests
}

func New(st store.Store, cfg Config, notifier alerts.Notifier) *List {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CooldownHours <= 0 {
		cfg.CooldownHours = 24
	}
	if notifier == nil {
		notifier = alerts.LogNotifier{}
	}
	return &List{store: st, cfg: cfg, notifier: notifier, now: time.Now}
}

// IsBlacklisted reports whether symbol is on cooldown for the given
// market. Expired cooldowns are removed on read. Store errors fail open:
// a broken store must not block live fetching.
func (l *List) IsBlacklisted(symbol, market string) bool {
	key := keyPrefix + quote.NormalizeTicker(symbol)

	var e Entry
	found, err := l.store.Get(key, &e)
	if err != nil {
		observ.Log("blacklist_read_error", map[string]any{"symbol": symbol, "error": err.Error()})
		return false
	}
	if !found || e.CooldownUntil == "" {
		return false
	}
	if e.Market != "" && e.Market != market {
		return false
	}

	until, err := time.Parse(time.RFC3339, e.CooldownUntil)
	if err != nil || !l.now().Before(until) {
		// Cooldown elapsed; the symbol gets another chance.
		_ = l.store.Delete(key)
		l.updateGauge()
		return false
	}
	return true
}

// RecordFailure increments the symbol's failure streak and trips the
// cooldown once the threshold is reached. The returned entry reflects the
// new state.
func (l *List) RecordFailure(symbol, market, reason string) Entry {
	norm := quote.NormalizeTicker(symbol)
	key := keyPrefix + norm
	now := l.now().UTC()

	var e Entry
	found, err := l.store.Get(key, &e)
	if err != nil {
		observ.Log("blacklist_read_error", map[string]any{"symbol": symbol, "error": err.Error()})
	}
	if !found {
		e = Entry{Symbol: norm, Market: market, FirstFailure: now.Format(time.RFC3339)}
	}

	e.FailureCount++
	e.LastFailure = now.Format(time.RFC3339)
	e.Reason = reason

	tripped := e.FailureCount >= l.cfg.MaxFailures && e.CooldownUntil == ""
	if tripped {
		until := now.Add(time.Duration(l.cfg.CooldownHours) * time.Hour)
		e.CooldownUntil = until.Format(time.RFC3339)
	}

	if err := l.store.Put(key, e); err != nil {
		observ.Log("blacklist_write_error", map[string]any{"symbol": symbol, "error": err.Error()})
	}

	if tripped {
		observ.Log("blacklist_tripped", map[string]any{
			"symbol":   norm,
			"market":   market,
			"failures": e.FailureCount,
			"until":    e.CooldownUntil,
		})
		l.notifier.NotifyError(
			"Symbol Blacklisted",
			fmt.Errorf("symbol %s blacklisted after %d consecutive failures: %s", norm, e.FailureCount, reason),
			map[string]any{"symbol": norm, "market": market, "cooldownUntil": e.CooldownUntil},
		)
	}
	l.updateGauge()
	return e
}

// RecordSuccess clears all blacklist state for the symbol.
func (l *List) RecordSuccess(symbol string) {
	key := keyPrefix + quote.NormalizeTicker(symbol)
	var e Entry
	found, err := l.store.Get(key, &e)
	if err != nil || !found {
		return
	}
	if err := l.store.Delete(key); err != nil {
		observ.Log("blacklist_write_error", map[string]any{"symbol": symbol, "error": err.Error()})
		return
	}
	observ.Log("blacklist_cleared", map[string]any{"symbol": quote.NormalizeTicker(symbol)})
	l.updateGauge()
}

// Entries returns the current blacklist contents for introspection.
func (l *List) Entries() []Entry {
	keys, err := l.store.Keys(keyPrefix)
	if err != nil {
		observ.Log("blacklist_read_error", map[string]any{"error": err.Error()})
		return nil
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		var e Entry
		if found, err := l.store.Get(k, &e); err == nil && found {
			out = append(out, e)
		}
	}
	return out
}

// Symbols returns the normalized symbols currently tracked.
func (l *List) Symbols() []string {
	entries := l.Entries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Symbol)
	}
	return out
}

// Cleanup removes entries whose cooldown has expired and returns how many
// were removed.
func (l *List) Cleanup() int {
	removed := 0
	for _, e := range l.Entries() {
		if e.CooldownUntil == "" {
			continue
		}
		until, err := time.Parse(time.RFC3339, e.CooldownUntil)
		if err != nil || !l.now().Before(until) {
			if derr := l.store.Delete(keyPrefix + e.Symbol); derr == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		observ.Log("blacklist_cleanup", map[string]any{"removed": removed})
		l.updateGauge()
	}
	return removed
}

func (l *List) updateGauge() {
	if keys, err := l.store.Keys(keyPrefix); err == nil {
		observ.SetGauge("blacklist_symbols", float64(len(keys)), nil)
	}
}
