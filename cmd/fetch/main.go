// fetch resolves symbols or currency pairs once and prints the result as
// JSON. It runs the same waterfall as the server, so it doubles as a way
// to check source health from a shell.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pmdata/market-data-api/internal/alerts"
	"github.com/pmdata/market-data-api/internal/blacklist"
	"github.com/pmdata/market-data-api/internal/config"
	"github.com/pmdata/market-data-api/internal/metrics"
	"github.com/pmdata/market-data-api/internal/orchestrator"
	"github.com/pmdata/market-data-api/internal/sources"
	"github.com/pmdata/market-data-api/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional config file")
		ratesMode  = flag.Bool("rates", false, "treat arguments as currency pairs like USD-JPY")
		timeoutSec = flag.Int("timeout", 30, "overall timeout in seconds")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: fetch [-rates] SYMBOL [SYMBOL...]")
		os.Exit(2)
	}

	priorities := config.DefaultPriorities()
	var cfg config.Root
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		priorities = cfg.Priorities
	}

	st := store.NewMemoryStore()
	recorder := metrics.NewRecorder(st, priorities)
	bl := blacklist.New(st, blacklist.Config{MaxFailures: 3, CooldownHours: 24}, alerts.Discard{})

	stockTimeout := 15 * time.Second
	rateTimeout := 5 * time.Second

	rates := sources.NewExchangeRateService(recorder, rateTimeout,
		sources.NewExchangerateAPIClient(rateTimeout),
		sources.NewFrankfurterClient(rateTimeout),
		sources.HardcodedRates{},
	)
	orch := orchestrator.New(orchestrator.Options{
		Clients: []sources.Client{
			sources.NewYahooFreeClient(stockTimeout, 60),
			sources.NewYahooJapanClient(stockTimeout),
			sources.NewToushinLibClient(stockTimeout),
			sources.NewJPXClient(stockTimeout),
		},
		Rates:     rates,
		Blacklist: bl,
		Recorder:  recorder,
		Store:     st,
		Notifier:  alerts.Discard{},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSec)*time.Second)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *ratesMode {
		pairs := make([][2]string, 0, flag.NArg())
		for _, arg := range flag.Args() {
			base, target, ok := strings.Cut(strings.ToUpper(arg), "-")
			if !ok {
				log.Fatalf("bad pair %q, want BASE-TARGET", arg)
			}
			pairs = append(pairs, [2]string{base, target})
		}
		if err := enc.Encode(orch.GetExchangeRates(ctx, pairs)); err != nil {
			log.Fatal(err)
		}
		return
	}

	quotes, err := orch.GetQuotesBatch(ctx, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
	if err := enc.Encode(quotes); err != nil {
		log.Fatal(err)
	}
}
