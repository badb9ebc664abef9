// Package notify provides best-effort notification sinks. Delivery failures
// are logged by callers and never propagated to build or decision logic.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Sink delivers one notification to some destination.
type Sink interface {
	Notify(title, message string) error
}

// Dispatcher fans a notification out to all configured sinks, best-effort.
type Dispatcher struct {
	sinks  []Sink
	logger *log.Logger
}

func NewDispatcher(logger *log.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger}
}

// Notify sends to every sink. Failures are logged, never returned.
func (d *Dispatcher) Notify(title, message string) {
	for _, s := range d.sinks {
		if err := s.Notify(title, message); err != nil && d.logger != nil {
			d.logger.Printf("%s WARN notify: sink %T: %v", time.Now().Format(time.RFC3339), s, err)
		}
	}
}

// DesktopSink sends desktop notifications: osascript on macOS, notify-send
// elsewhere.
type DesktopSink struct{}

func (DesktopSink) Notify(title, message string) error {
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(
			`display notification %q with title %q sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		cmd := exec.Command("osascript", "-e", script)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	cmd := exec.Command("notify-send", title, message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// LogSink writes notifications to the daemon log.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Notify(title, message string) error {
	if s.Logger == nil {
		return fmt.Errorf("log sink has no logger")
	}
	s.Logger.Printf("%s INFO notify: %s: %s", time.Now().Format(time.RFC3339), title, message)
	return nil
}

// WebhookSink POSTs a JSON payload to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Notify(title, message string) error {
	payload, err := json.Marshal(map[string]string{
		"title":     title,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	resp, err := s.Client.Post(s.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
