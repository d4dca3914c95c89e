// Package hooks runs commands and webhooks when downloads change status.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilimcininkoroglu/kapi/internal/download"
	"github.com/kilimcininkoroglu/kapi/internal/logging"
)

// DefaultStatuses are the statuses hooks fire on unless told otherwise.
var DefaultStatuses = []download.Status{
	download.StatusSuccess,
	download.StatusTimeout,
	download.StatusCancel,
	download.StatusTLSFailure,
}

// Payload describes one status change.
type Payload struct {
	Handle     string          `json:"handle"`
	Status     download.Status `json:"status"`
	URL        string          `json:"url"`
	Path       string          `json:"path"`
	Cause      string          `json:"cause,omitempty"`
	Percent    float64         `json:"percent"`
	Downloaded int64           `json:"downloaded"`
	Total      int64           `json:"total"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PayloadFromEvent converts an orchestrator status event.
func PayloadFromEvent(e download.Event) *Payload {
	return &Payload{
		Handle:     string(e.Handle),
		Status:     e.Status,
		URL:        e.URL,
		Path:       e.Path,
		Cause:      e.Cause,
		Percent:    e.Percent,
		Downloaded: e.Current,
		Total:      e.Total,
		Timestamp:  e.Time,
	}
}

// Hook reacts to a payload.
type Hook interface {
	Execute(ctx context.Context, payload *Payload) error
	Name() string
}

// CommandHook runs a shell command with KAPI_* variables set.
type CommandHook struct {
	Command  string
	Statuses []download.Status
	Timeout  time.Duration
}

// NewCommandHook fires on DefaultStatuses when statuses is empty.
func NewCommandHook(command string, statuses ...download.Status) *CommandHook {
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}
	return &CommandHook{
		Command:  command,
		Statuses: statuses,
		Timeout:  30 * time.Second,
	}
}

func (h *CommandHook) Name() string {
	return fmt.Sprintf("command:%s", h.Command)
}

// Execute runs the command if the payload status is selected.
func (h *CommandHook) Execute(ctx context.Context, payload *Payload) error {
	if !slices.Contains(h.Statuses, payload.Status) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", h.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", h.Command)
	}
	cmd.Env = append(os.Environ(), commandEnv(payload)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("hook command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func commandEnv(p *Payload) []string {
	return []string{
		"KAPI_HANDLE=" + p.Handle,
		"KAPI_URL=" + p.URL,
		"KAPI_PATH=" + p.Path,
		"KAPI_STATUS=" + string(p.Status),
		"KAPI_CAUSE=" + p.Cause,
		fmt.Sprintf("KAPI_PERCENT=%.2f", p.Percent),
	}
}

// WebhookHook POSTs the payload as JSON.
type WebhookHook struct {
	URL      string
	Statuses []download.Status
	Headers  map[string]string
	client   *http.Client
}

// NewWebhookHook fires on DefaultStatuses when statuses is empty.
func NewWebhookHook(url string, statuses ...download.Status) *WebhookHook {
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}
	return &WebhookHook{
		URL:      url,
		Statuses: statuses,
		Headers:  make(map[string]string),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHeader adds a request header.
func (h *WebhookHook) WithHeader(key, value string) *WebhookHook {
	h.Headers[key] = value
	return h
}

func (h *WebhookHook) Name() string {
	return fmt.Sprintf("webhook:%s", h.URL)
}

// Execute sends the payload if its status is selected.
func (h *WebhookHook) Execute(ctx context.Context, payload *Payload) error {
	if !slices.Contains(h.Statuses, payload.Status) {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Kapi-Webhook/1.0")
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Manager fans status events out to hooks.
type Manager struct {
	hooks  []Hook
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager(logger ...zerolog.Logger) *Manager {
	m := &Manager{logger: logging.Component("hooks")}
	if len(logger) > 0 {
		m.logger = logger[0]
	}
	return m
}

// Add registers a hook.
func (m *Manager) Add(hook Hook) {
	m.hooks = append(m.hooks, hook)
}

// Count returns the number of hooks.
func (m *Manager) Count() int {
	return len(m.hooks)
}

// Execute runs every hook in order and joins their failures.
func (m *Manager) Execute(ctx context.Context, payload *Payload) error {
	var failures []string
	for _, hook := range m.hooks {
		if err := hook.Execute(ctx, payload); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", hook.Name(), err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("hook errors: %s", strings.Join(failures, "; "))
	}
	return nil
}

// Observe runs hooks for a status event on a separate goroutine so the
// event dispatcher is never held up. Progress events are ignored.
func (m *Manager) Observe(e download.Event) {
	if len(m.hooks) == 0 || e.Kind != download.EventStatus {
		return
	}

	payload := PayloadFromEvent(e)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Execute(context.Background(), payload); err != nil {
			m.logger.Warn().Err(err).Str("handle", payload.Handle).Str("status", string(payload.Status)).Msg("Hook failed")
		}
	}()
}

// Wait blocks until hooks started by Observe have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
