// Package providers ships the built-in provider adapters: an HTTP
// webhook provider and a log sink. Real-world adapters (SMTP, cloud
// SDKs) live outside the core behind the same interface.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/executor"
)

// Doer abstracts *http.Client so outbound calls can be wrapped with a
// rate limiter (infrastructure/ratelimit.RateLimitedClient satisfies it).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Webhook POSTs the action as JSON to a fixed URL.
type Webhook struct {
	name   string
	url    string
	client Doer
}

// NewWebhook builds a webhook provider. client may be nil for the
// default client.
func NewWebhook(name, url string, client Doer) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{name: name, url: url, client: client}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Execute(ctx context.Context, action core.Action) (core.ProviderResponse, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return core.ProviderResponse{}, executor.NewError(executor.ErrSerialization, "marshal action: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return core.ProviderResponse{}, executor.NewError(executor.ErrConfiguration, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return core.ProviderResponse{}, executor.NewError(executor.ErrConnection, "webhook call: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.ProviderResponse{}, executor.NewError(executor.ErrRateLimited, "webhook rate limited")
	case resp.StatusCode >= 500:
		return core.ProviderResponse{}, executor.NewError(executor.ErrConnection, "webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return core.ProviderResponse{}, executor.NewError(executor.ErrExecution, "webhook returned %d: %s", resp.StatusCode, string(raw))
	}

	data := map[string]any{"status": resp.StatusCode}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		data["body"] = decoded
	}
	return core.SuccessResponse(data), nil
}

// LogSink writes each action to the structured log, useful as a default
// or fallback provider.
type LogSink struct {
	name   string
	logger *logging.Logger
}

func NewLogSink(name string, logger *logging.Logger) *LogSink {
	return &LogSink{name: name, logger: logger}
}

func (l *LogSink) Name() string { return l.name }

func (l *LogSink) Execute(ctx context.Context, action core.Action) (core.ProviderResponse, error) {
	if l.logger != nil {
		l.logger.WithFields(map[string]interface{}{
			"action_id":   action.ID,
			"namespace":   action.Namespace,
			"tenant":      action.Tenant,
			"action_type": action.ActionType,
		}).Info("action delivered to log sink")
	}
	return core.SuccessResponse(map[string]any{"logged": true, "action_id": action.ID}), nil
}

var _ executor.Provider = (*Webhook)(nil)
var _ executor.Provider = (*LogSink)(nil)

// FromConfig builds providers from (name, url) pairs: an empty url
// yields a log sink. client applies to every webhook provider.
func FromConfig(entries map[string]string, logger *logging.Logger, client Doer) []executor.Provider {
	out := make([]executor.Provider, 0, len(entries))
	for name, url := range entries {
		if url == "" {
			out = append(out, NewLogSink(name, logger))
			continue
		}
		out = append(out, NewWebhook(name, url, client))
	}
	if len(out) == 0 {
		out = append(out, NewLogSink("log", logger))
	}
	return out
}

// HTTPLookup is a ResourceLookup that POSTs the parameter set as JSON
// and returns the response document, for enrichment configs pointing at
// an HTTP inventory service.
type HTTPLookup struct {
	url    string
	client Doer
}

func NewHTTPLookup(url string, client Doer) *HTTPLookup {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLookup{url: url, client: client}
}

func (l *HTTPLookup) Lookup(ctx context.Context, params map[string]any) (map[string]any, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, errors.New("lookup returned status " + resp.Status)
	}
	var out map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
