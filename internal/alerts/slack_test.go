package alerts

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookCapture struct {
	mu       sync.Mutex
	messages []slackMessage
}

func (c *webhookCapture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg slackMessage
		_ = json.Unmarshal(body, &msg)
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		c.mu.Unlock()
	})
}

func (c *webhookCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSlackNotifierSends(t *testing.T) {
	sink := &webhookCapture{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	s := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#alerts"})
	defer s.Close()

	s.NotifyError("API Key Error", errors.New("status 403"), map[string]any{"source": "upstream"})
	waitFor(t, func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	msg := sink.messages[0]
	sink.mu.Unlock()
	assert.Contains(t, msg.Text, "API Key Error")
	assert.Equal(t, "#alerts", msg.Channel)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "danger", msg.Attachments[0].Color)
}

func TestSlackNotifierDedupes(t *testing.T) {
	sink := &webhookCapture{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	s := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: srv.URL, DedupeSecs: 60})
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.NotifyError("High Error Rate", errors.New("same failure"), nil)
	}
	waitFor(t, func() bool { return sink.count() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count(), "duplicates inside the window must be suppressed")

	// A different error is not a duplicate.
	s.NotifyError("High Error Rate", errors.New("different failure"), nil)
	waitFor(t, func() bool { return sink.count() == 2 })
}

func TestSlackNotifierCloseDrainsQueue(t *testing.T) {
	sink := &webhookCapture{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	s := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: srv.URL})
	for i := 0; i < 3; i++ {
		s.NotifyError("Symbol Blacklisted", errors.New("failure "+string(rune('a'+i))), nil)
	}
	s.Close()
	assert.Equal(t, 3, sink.count(), "queued alerts must be delivered before shutdown")

	// A second Close is a no-op, and alerts after Close are dropped.
	s.NotifyError("Symbol Blacklisted", errors.New("late"), nil)
	s.Close()
	assert.Equal(t, 3, sink.count())
}

func TestSlackNotifierDisabled(t *testing.T) {
	sink := &webhookCapture{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	s := NewSlackNotifier(SlackConfig{Enabled: false, WebhookURL: srv.URL})
	defer s.Close()

	s.NotifyError("Anything", errors.New("x"), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}
