package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += value
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// RecordDuration records a duration observation in milliseconds.
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Basic JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus summarizes fetch health for dashboards.
type HealthStatus struct {
	Status    string        `json:"status"` // "healthy", "degraded", "failed"
	Timestamp string        `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version"`
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics holds the aggregates the dashboard cares about.
type HealthMetrics struct {
	Requests           int64   `json:"requests"`
	SuccessRate        float64 `json:"success_rate"`
	FallbackRate       float64 `json:"fallback_rate"`
	BlacklistedSymbols int64   `json:"blacklisted_symbols"`
	LatencyP95Ms       int64   `json:"latency_p95_ms"`
}

var (
	startTime = time.Now()
	version   = "dev" // set via build flags
)

func SetVersion(v string) {
	version = v
}

// HealthHandler reports overall fetch health computed from the registry.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		m := calculateHealthMetrics()
		reg.mu.Unlock()

		status := "healthy"
		switch {
		case m.Requests > 20 && m.SuccessRate < 0.5:
			status = "failed"
		case m.Requests > 20 && m.FallbackRate > 0.2:
			status = "degraded"
		}

		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   m,
		}

		code := http.StatusOK
		switch status {
		case "degraded":
			code = http.StatusPartialContent
		case "failed":
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// calculateHealthMetrics computes aggregates; caller holds reg.mu.
func calculateHealthMetrics() HealthMetrics {
	m := HealthMetrics{}

	var successes int64
	for _, v := range reg.counters["datasource_requests_total"] {
		m.Requests += v
	}
	for _, v := range reg.counters["datasource_successes_total"] {
		successes += v
	}
	if m.Requests > 0 {
		m.SuccessRate = float64(successes) / float64(m.Requests)
	}

	var quotes, fallbacks int64
	for _, v := range reg.counters["quotes_served_total"] {
		quotes += v
	}
	for _, v := range reg.counters["quotes_fallback_total"] {
		fallbacks += v
	}
	if quotes > 0 {
		m.FallbackRate = float64(fallbacks) / float64(quotes)
	}

	for _, v := range reg.gauges["blacklist_symbols"] {
		m.BlacklistedSymbols = int64(v)
	}

	for _, samples := range reg.hist["datasource_latency_ms"] {
		if len(samples) == 0 {
			continue
		}
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		i := int(float64(len(sorted)) * 0.95)
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		m.LatencyP95Ms = int64(sorted[i])
		break
	}

	return m
}
