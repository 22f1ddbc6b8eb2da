// Package metrics tracks per-source reliability and drives the
// data-source priority ordering. Results feed two sinks: the persistent
// store, which survives restarts and backs priority decisions, and the
// process-wide observ registry for the /metrics endpoint.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/pmdata/market-data-api/internal/observ"
	"github.com/pmdata/market-data-api/internal/quote"
	"github.com/pmdata/market-data-api/internal/store"
)

const (
	metricsKeyPrefix = "metrics:"
	priorityKey      = "priority:current"
)

// SourceMetrics is the accumulated record for one (data type, source) pair.
type SourceMetrics struct {
	Source            string         `json:"source"`
	DataType          string         `json:"dataType"`
	Requests          int64          `json:"requests"`
	Successes         int64          `json:"successes"`
	Failures          int64          `json:"failures"`
	TotalResponseTime int64          `json:"totalResponseTimeMs"`
	AvgResponseTime   float64        `json:"avgResponseTimeMs"`
	SuccessRate       float64        `json:"successRate"`
	ErrorTypes        map[string]int `json:"errorTypes,omitempty"`
	LastUpdated       string         `json:"lastUpdated"`
}

// Recorder owns the metrics records and the priority table. Writes are
// serialized with a mutex; the store itself is also safe, but read-modify-
// write of a record must not interleave.
type Recorder struct {
	mu        sync.Mutex
	store     store.Store
	defaults  map[string][]string
	now       func() time.Time
}

func NewRecorder(st store.Store, defaultPriorities map[string][]string) *Recorder {
	return &Recorder{store: st, defaults: defaultPriorities, now: time.Now}
}

func metricsKey(dataType, source string) string {
	return fmt.Sprintf("%s%s:%s", metricsKeyPrefix, dataType, source)
}

// RecordDataSourceResult folds one fetch outcome into the source's record.
func (r *Recorder) RecordDataSourceResult(source string, success bool, responseTime time.Duration, dataType, symbol, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricsKey(dataType, source)
	m := SourceMetrics{Source: source, DataType: dataType}
	if _, err := r.store.Get(key, &m); err != nil {
		observ.Log("metrics_read_error", map[string]any{"key": key, "error": err.Error()})
	}

	ms := responseTime.Milliseconds()
	m.Requests++
	m.TotalResponseTime += ms
	if success {
		m.Successes++
	} else {
		m.Failures++
		if errMsg != "" {
			if m.ErrorTypes == nil {
				m.ErrorTypes = map[string]int{}
			}
			m.ErrorTypes[string(quote.KindOfMessage(errMsg))]++
		}
	}
	m.AvgResponseTime = float64(m.TotalResponseTime) / float64(m.Requests)
	m.SuccessRate = float64(m.Successes) / float64(m.Requests)
	m.LastUpdated = r.now().UTC().Format(time.RFC3339)

	if err := r.store.Put(key, m); err != nil {
		observ.Log("metrics_write_error", map[string]any{"key": key, "error": err.Error()})
	}

	labels := map[string]string{"source": source, "data_type": dataType}
	observ.IncCounter("datasource_requests_total", labels)
	if success {
		observ.IncCounter("datasource_successes_total", labels)
	} else {
		observ.IncCounter("datasource_failures_total", labels)
	}
	observ.RecordDuration("datasource_latency", responseTime, labels)
}

// RecordBatchDataSourceResult folds a whole batch outcome in one call.
func (r *Recorder) RecordBatchDataSourceResult(source string, succeeded, failed int, responseTime time.Duration, dataType string) {
	for i := 0; i < succeeded; i++ {
		r.RecordDataSourceResult(source, true, responseTime, dataType, "", "")
	}
	for i := 0; i < failed; i++ {
		r.RecordDataSourceResult(source, false, responseTime, dataType, "", "batch failure")
	}
}

// DataSourceMetrics returns the record for one (data type, source) pair,
// or false if nothing has been recorded yet.
func (r *Recorder) DataSourceMetrics(source, dataType string) (SourceMetrics, bool) {
	var m SourceMetrics
	found, err := r.store.Get(metricsKey(dataType, source), &m)
	if err != nil || !found {
		return SourceMetrics{}, false
	}
	return m, true
}

// AllMetrics returns every recorded (data type, source) record.
func (r *Recorder) AllMetrics() []SourceMetrics {
	keys, err := r.store.Keys(metricsKeyPrefix)
	if err != nil {
		return nil
	}
	out := make([]SourceMetrics, 0, len(keys))
	for _, k := range keys {
		var m SourceMetrics
		if found, err := r.store.Get(k, &m); err == nil && found {
			out = append(out, m)
		}
	}
	return out
}

// SourcePriority returns the current source ordering for a data type,
// falling back to the built-in defaults when no override is stored.
func (r *Recorder) SourcePriority(dataType string) []string {
	var table map[string][]string
	if found, err := r.store.Get(priorityKey, &table); err == nil && found {
		if order, ok := table[dataType]; ok && len(order) > 0 {
			return order
		}
	}
	return r.defaults[dataType]
}

// UpdateSourcePriority moves a source up (direction < 0) or down
// (direction > 0) one slot in a data type's ordering and persists the
// result. Returns false when the source is not in the ordering or cannot
// move further.
func (r *Recorder) UpdateSourcePriority(dataType, source string, direction int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var table map[string][]string
	if found, err := r.store.Get(priorityKey, &table); err != nil || !found || table == nil {
		table = map[string][]string{}
	}
	order, ok := table[dataType]
	if !ok {
		order = append([]string(nil), r.defaults[dataType]...)
	}

	idx := -1
	for i, s := range order {
		if s == source {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	swap := idx
	switch {
	case direction < 0 && idx > 0:
		swap = idx - 1
	case direction > 0 && idx < len(order)-1:
		swap = idx + 1
	default:
		return false
	}
	order[idx], order[swap] = order[swap], order[idx]
	table[dataType] = order

	if err := r.store.Put(priorityKey, table); err != nil {
		observ.Log("metrics_write_error", map[string]any{"key": priorityKey, "error": err.Error()})
		return false
	}
	observ.Log("priority_updated", map[string]any{"data_type": dataType, "source": source, "position": swap})
	return true
}
