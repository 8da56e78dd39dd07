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

	"reviewline/internal/broker"
	"reviewline/internal/config"
	"reviewline/internal/viz"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookRetry   = 2 * time.Second
)

// WebhookDispatcher forwards pipeline events appended after it starts to the
// configured endpoints. Each hook tails independently, so a failing endpoint
// only delays its own deliveries.
type WebhookDispatcher struct {
	Broker   broker.Tailer
	Webhooks []config.WebhookConfig
	Client   *http.Client
	// RetryDelay is the pause between failed deliveries of one event.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func NewWebhookDispatcher(b broker.Tailer, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Broker:     b,
		Webhooks:   hooks,
		Client:     &http.Client{Timeout: defaultWebhookTimeout},
		RetryDelay: defaultWebhookRetry,
		Logger:     logger,
	}
}

// Run positions every hook at the end of its topics, then delivers until ctx
// ends. It returns an error only when positioning fails.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var tailers []*viz.Tailer
	var hooks []config.WebhookConfig
	for _, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		t := viz.New(d.Broker, nil, d.Logger)
		if err := t.Init(ctx); err != nil {
			return err
		}
		tailers = append(tailers, t)
		hooks = append(hooks, hook)
	}
	for i, t := range tailers {
		hook := hooks[i]
		filter := newEventFilter(hook.Events)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = t.Run(ctx, func(ev viz.Event) error {
				if !filter.match(ev.Type) {
					return nil
				}
				d.deliver(ctx, hook, ev)
				return nil
			}, nil)
		}()
	}
	wg.Wait()
	return nil
}

// deliver retries one event until it is accepted or ctx ends.
func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, ev viz.Event) {
	for ctx.Err() == nil {
		err := d.postEvent(ctx, hook, ev)
		if err == nil {
			return
		}
		d.Logger.Warn("webhook delivery failed", "url", hook.URL, "entry", ev.ID, "err", err)
		select {
		case <-ctx.Done():
		case <-time.After(d.RetryDelay):
		}
	}
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, ev viz.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reviewline-Event", ev.Type)
	req.Header.Set("X-Reviewline-Delivery", ev.Stream+"/"+ev.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Reviewline-Secret", hook.Secret)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
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
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
