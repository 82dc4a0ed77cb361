package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"dealdesk/internal/config"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the changelog and posts new entries to configured
// endpoints. Each hook keeps its own cursor; a failed delivery blocks that
// hook's cursor so entries are retried in order.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(ctx context.Context, e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if ctx.Err() != nil {
			return
		}
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(idx)
	entries, err := d.engine.Repo.ChangelogAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		slog.Error("webhook: fetch changelog", "err", err)
		return
	}
	filter := newEntryFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.EntityType + "." + entry.FieldName) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			slog.Error("webhook: deliver", "url", hook.URL, "err", err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestChangelogID(context.Background())
	if err != nil {
		slog.Error("webhook: init cursor", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.ChangelogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealdesk-Event", entry.EntityType+"."+entry.FieldName)
	req.Header.Set("X-Dealdesk-Delivery", fmt.Sprintf("%d", entry.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Dealdesk-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type entryFilter struct {
	all bool
	set map[string]struct{}
}

func newEntryFilter(events []string) entryFilter {
	if len(events) == 0 {
		return entryFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return entryFilter{all: true}
	}
	return entryFilter{set: set}
}

func (f entryFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
