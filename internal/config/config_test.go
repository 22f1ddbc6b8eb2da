package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmdata/market-data-api/internal/quote"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, "server:\n  addr: \":9090\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, 50, c.Server.MaxSymbols)
	assert.Equal(t, 15, c.Sources.TimeoutSecondsStock)
	assert.Equal(t, 5, c.Sources.TimeoutSecondsExchange)
	assert.Equal(t, 3, c.Sources.MaxRetries)
	assert.Equal(t, 20, c.Sources.PageSize)
	assert.Equal(t, 3, c.Blacklist.MaxFailures)
	assert.Equal(t, 24, c.Blacklist.CooldownHours)
	assert.InDelta(t, 0.5, c.Batch.ErrorRateThreshold, 1e-9)
	assert.InDelta(t, 0.1, c.Batch.AlertThreshold, 1e-9)
	assert.Equal(t, DefaultPriorities(), c.Priorities)
}

func TestLoadPartialPriorityOverride(t *testing.T) {
	body := `
priorities:
  us-stock: ["Yahoo Finance (Free)", "Yahoo Finance API"]
`
	c, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, []string{quote.SourceYahooFree, quote.SourceYahooAPI}, c.Priorities[quote.TypeUSStock])
	// Unlisted data types still get the built-in ordering.
	assert.Equal(t, DefaultPriorities()[quote.TypeMutualFund], c.Priorities[quote.TypeMutualFund])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
