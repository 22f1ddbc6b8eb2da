// Package sources holds the upstream market-data clients. Every client
// implements Client; clients that can fetch many symbols in one upstream
// call also implement BatchClient. Clients return raw quotes and
// structured errors; they never fall back or synthesize data, that is the
// orchestrator's job.
package sources

import (
	"context"

	"github.com/pmdata/market-data-api/internal/quote"
)

// Client fetches one symbol from one upstream provider.
type Client interface {
	// Name returns the provider name used in priority tables and metrics.
	Name() string
	FetchOne(ctx context.Context, symbol string) (quote.Quote, error)
}

// BatchClient fetches many symbols in as few upstream calls as possible.
// The returned map is keyed by normalized ticker; symbols the provider
// did not return are simply absent, not errors.
type BatchClient interface {
	Client
	FetchBatch(ctx context.Context, symbols []string) (map[string]quote.Quote, error)
}
