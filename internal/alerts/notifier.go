// Package alerts is the fire-and-forget error notification sink. Failures
// inside the sink are swallowed and logged; they must never change a data
// fetch result.
package alerts

import (
	"github.com/pmdata/market-data-api/internal/observ"
)

// Notifier delivers operator-facing error alerts. NotifyError must not
// block and must not return errors to the caller.
type Notifier interface {
	NotifyError(title string, err error, context map[string]any)
}

// LogNotifier writes alerts to the structured log. It is the default sink
// for local runs and tests.
type LogNotifier struct{}

func (LogNotifier) NotifyError(title string, err error, context map[string]any) {
	kv := map[string]any{"title": title}
	if err != nil {
		kv["error"] = err.Error()
	}
	for k, v := range context {
		kv["ctx_"+k] = v
	}
	observ.Log("alert", kv)
	observ.IncCounter("alerts_emitted_total", map[string]string{"title": title})
}

// Discard drops every alert, for tests that only care about data flow.
type Discard struct{}

func (Discard) NotifyError(string, error, map[string]any) {}
