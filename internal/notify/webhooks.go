package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"recordflow/internal/config"
	"recordflow/internal/domain"
	"recordflow/internal/logging"
	"recordflow/internal/obs"
	"recordflow/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Dispatcher tails the audit ledger and POSTs matching events to each
// configured webhook. A failed delivery stops that hook's pass; the event
// is retried on the next tick.
type Dispatcher struct {
	Repo     repo.Repo
	Org      string
	Hooks    []config.WebhookConfig
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *obs.Metrics

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(r repo.Repo, cfg *config.Config, logger *slog.Logger, metrics *obs.Metrics) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		Repo:     r,
		Org:      cfg.Organization.ID,
		Hooks:    cfg.Webhooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Interval: defaultWebhookInterval,
		Logger:   logger,
		Metrics:  metrics,
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx ends. It returns immediately when no hook is
// configured.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Hooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce makes one delivery pass over every hook.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx, hook)
	evts, err := d.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.Logger.Warn("webhook: fetch events failed", "hook", hookName(idx, hook), "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := d.postEvent(ctx, hook, evt)
		d.Metrics.ObserveWebhook(hookName(idx, hook), err == nil)
		if err != nil {
			d.Logger.Warn("webhook: delivery failed", "hook", hookName(idx, hook), "event", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func hookName(idx int, hook config.WebhookConfig) string {
	if hook.Name != "" {
		return hook.Name
	}
	return fmt.Sprintf("hook-%d", idx)
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int, hook config.WebhookConfig) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	var cur int64
	if !hook.FromStart {
		latest, err := d.Repo.LatestEventID(ctx)
		if err != nil {
			d.Logger.Warn("webhook: init cursor failed", "hook", hookName(idx, hook), "err", err)
		}
		cur = latest
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	OrganizationID string          `json:"organization_id"`
	EntityKind     string          `json:"entity_kind"`
	EntityID       string          `json:"entity_id,omitempty"`
	ActorID        string          `json:"actor_id"`
	TS             string          `json:"ts"`
	Payload        json.RawMessage `json:"payload"`
	PayloadRaw     string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:             evt.ID,
		Type:           evt.Type,
		OrganizationID: d.Org,
		EntityKind:     evt.EntityKind,
		EntityID:       evt.EntityID,
		ActorID:        evt.ActorID,
		TS:             evt.TS,
		Payload:        payload,
		PayloadRaw:     raw,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.Client
	if client == nil || timeout != client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Recordflow-Event", evt.Type)
	req.Header.Set("X-Recordflow-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Recordflow-Organization", d.Org)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Recordflow-Signature", "sha256="+Sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in the
// X-Recordflow-Signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches exact types and "prefix.*" patterns.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(types []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, t := range types {
		key := strings.TrimSpace(t)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
