package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pmdata/market-data-api/internal/alerts"
	"github.com/pmdata/market-data-api/internal/blacklist"
	"github.com/pmdata/market-data-api/internal/quote"
)

type Server struct {
	Addr       string `yaml:"addr"`
	MaxSymbols int    `yaml:"max_symbols"` // per batch request
}

type Store struct {
	Path                string `yaml:"path"`
	SaveIntervalSeconds int    `yaml:"save_interval_seconds"`
}

type Sources struct {
	YahooAPIKeyEnv         string `yaml:"yahoo_api_key_env"`
	YahooAPIHost           string `yaml:"yahoo_api_host"`
	TimeoutSecondsStock    int    `yaml:"timeout_seconds_stock"`
	TimeoutSecondsExchange int    `yaml:"timeout_seconds_exchange"`
	MaxRetries             int    `yaml:"max_retries"`
	BackoffBaseMs          int    `yaml:"backoff_base_ms"`
	PageSize               int    `yaml:"page_size"`
	PageDelayMs            int    `yaml:"page_delay_ms"`
	RateLimitPerMinute     int    `yaml:"rate_limit_per_minute"`
}

type Batch struct {
	DelayMs            int     `yaml:"delay_ms"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
	AlertThreshold     float64 `yaml:"alert_threshold"` // probability of alerting on total failure
}

type Root struct {
	Server     Server              `yaml:"server"`
	Store      Store               `yaml:"store"`
	Slack      alerts.SlackConfig  `yaml:"slack"`
	Sources    Sources             `yaml:"sources"`
	Blacklist  blacklist.Config    `yaml:"blacklist"`
	Batch      Batch               `yaml:"batch"`
	Priorities map[string][]string `yaml:"priorities"` // data type -> ordered source names
}

// DefaultPriorities is the built-in source ordering per data type, used
// when the config file does not override it and as the seed for the
// metrics-driven priority store.
func DefaultPriorities() map[string][]string {
	return map[string][]string{
		quote.TypeUSStock:      {quote.SourceYahooAPI, quote.SourceYahooFree},
		quote.TypeJPStock:      {quote.SourceYahooAPI, quote.SourceYahooFree, quote.SourceYahooJapan, quote.SourceJPXCSV},
		quote.TypeMutualFund:   {quote.SourceToushinLib, quote.SourceYahooJapan},
		quote.TypeExchangeRate: {quote.SourceExchangerateAPI, quote.SourceFrankfurter, quote.SourceHardcodedRates},
	}
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxSymbols == 0 {
		c.Server.MaxSymbols = 50
	}

	if c.Store.Path == "" {
		c.Store.Path = "data/market-data.json"
	}
	if c.Store.SaveIntervalSeconds == 0 {
		c.Store.SaveIntervalSeconds = 30
	}

	if c.Sources.YahooAPIKeyEnv == "" {
		c.Sources.YahooAPIKeyEnv = "YAHOO_FINANCE_API_KEY"
	}
	if c.Sources.YahooAPIHost == "" {
		c.Sources.YahooAPIHost = "yh-finance.p.rapidapi.com"
	}
	if c.Sources.TimeoutSecondsStock == 0 {
		c.Sources.TimeoutSecondsStock = 15
	}
	if c.Sources.TimeoutSecondsExchange == 0 {
		c.Sources.TimeoutSecondsExchange = 5
	}
	if c.Sources.MaxRetries == 0 {
		c.Sources.MaxRetries = 3
	}
	if c.Sources.BackoffBaseMs == 0 {
		c.Sources.BackoffBaseMs = 500
	}
	if c.Sources.PageSize == 0 {
		c.Sources.PageSize = 20
	}
	if c.Sources.PageDelayMs == 0 {
		c.Sources.PageDelayMs = 500
	}
	if c.Sources.RateLimitPerMinute == 0 {
		c.Sources.RateLimitPerMinute = 60
	}

	if c.Blacklist.MaxFailures == 0 {
		c.Blacklist.MaxFailures = 3
	}
	if c.Blacklist.CooldownHours == 0 {
		c.Blacklist.CooldownHours = 24
	}

	if c.Batch.DelayMs == 0 {
		c.Batch.DelayMs = 500
	}
	if c.Batch.ErrorRateThreshold == 0 {
		c.Batch.ErrorRateThreshold = 0.5
	}
	if c.Batch.AlertThreshold == 0 {
		c.Batch.AlertThreshold = 0.1
	}

	if c.Priorities == nil {
		c.Priorities = DefaultPriorities()
	} else {
		for dt, order := range DefaultPriorities() {
			if _, ok := c.Priorities[dt]; !ok {
				c.Priorities[dt] = order
			}
		}
	}

	return c, nil
}
