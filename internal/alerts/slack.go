package alerts

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pmdata/market-data-api/internal/observ"
)

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// SlackConfig configures the webhook sink.
type SlackConfig struct {
	Enabled     bool   `yaml:"enabled"`
	WebhookURL  string `yaml:"webhook_url"`
	Channel     string `yaml:"channel"`
	QueueSize   int    `yaml:"queue_size"`
	DedupeSecs  int    `yaml:"dedupe_seconds"`
	TimeoutSecs int    `yaml:"timeout_seconds"`
}

type queuedAlert struct {
	title   string
	errText string
	context map[string]any
	hash    string
}

// SlackNotifier posts error alerts to a Slack incoming webhook. Alerts go
// through a bounded queue drained by a background worker; a full queue
// drops the alert rather than blocking the fetch path. Duplicate alerts
// inside the dedupe window are suppressed.
type SlackNotifier struct {
	cfg         SlackConfig
	httpClient  *http.Client
	queue       chan queuedAlert
	dedupeCache map[string]time.Time
	mu          sync.Mutex
	closed      bool
	wg          sync.WaitGroup
}

func NewSlackNotifier(cfg SlackConfig) *SlackNotifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.DedupeSecs <= 0 {
		cfg.DedupeSecs = 60
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 10
	}

	s := &SlackNotifier{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
		queue:       make(chan queuedAlert, cfg.QueueSize),
		dedupeCache: make(map[string]time.Time),
	}

	s.wg.Add(1)
	go s.worker()

	return s
}

// NotifyError enqueues an alert. It never blocks and never surfaces sink
// failures to the caller.
func (s *SlackNotifier) NotifyError(title string, err error, context map[string]any) {
	if !s.cfg.Enabled {
		return
	}

	errText := ""
	if err != nil {
		errText = err.Error()
	}

	hash := alertHash(title, errText)
	window := time.Duration(s.cfg.DedupeSecs) * time.Second

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if last, ok := s.dedupeCache[hash]; ok && time.Since(last) < window {
		return
	}
	s.dedupeCache[hash] = time.Now()
	// Keep the cache bounded; drop expired entries opportunistically.
	for h, t := range s.dedupeCache {
		if time.Since(t) > window {
			delete(s.dedupeCache, h)
		}
	}

	select {
	case s.queue <- queuedAlert{title: title, errText: errText, context: context, hash: hash}:
	default:
		observ.IncCounter("alert_queue_dropped_total", nil)
	}
}

// Close drains queued alerts and stops the worker. Alerts enqueued after
// Close starts are dropped.
func (s *SlackNotifier) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *SlackNotifier) worker() {
	defer s.wg.Done()
	for alert := range s.queue {
		if err := s.sendWebhook(alert); err != nil {
			observ.Log("alert_webhook_error", map[string]any{
				"title": alert.title,
				"error": err.Error(),
			})
			observ.IncCounter("alert_webhook_errors_total", nil)
			continue
		}
		observ.IncCounter("alerts_sent_total", nil)
	}
}

func (s *SlackNotifier) sendWebhook(alert queuedAlert) error {
	fields := []slackField{
		{Title: "Error", Value: alert.errText, Short: false},
	}
	keys := make([]string, 0, len(alert.context))
	for k := range alert.context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slackField{Title: k, Value: fmt.Sprint(alert.context[k]), Short: true})
	}

	msg := slackMessage{
		Channel: s.cfg.Channel,
		Text:    ":rotating_light: " + alert.title,
		Attachments: []slackAttachment{
			{Color: "danger", Fields: fields},
		},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func alertHash(title, errText string) string {
	sum := sha256.Sum256([]byte(title + ":" + errText))
	return fmt.Sprintf("%x", sum)[:16]
}
