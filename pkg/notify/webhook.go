// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// pkg/notify/webhook.go
// Package notify delivers pipeline alerts to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Webhook posts alert messages as JSON to a configured URL. The payload shape
// ({"content": ...}) matches Discord-compatible webhook endpoints.
type Webhook struct {
	mu     sync.RWMutex
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhook creates a sender for url. An empty url disables delivery; Send
// becomes a no-op so callers don't need to special-case unconfigured alerts.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: log.With().Str("component", "notify").Logger(),
	}
}

// SetURL swaps the destination at runtime (config reload).
func (w *Webhook) SetURL(url string) {
	w.mu.Lock()
	w.url = url
	w.mu.Unlock()
}

// Send posts the message. Failures are returned to the caller but are safe to
// ignore; alerting must never stall the pipeline.
func (w *Webhook) Send(ctx context.Context, message string) error {
	w.mu.RLock()
	url := w.url
	w.mu.RUnlock()
	if url == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// HandleAlert adapts Send to the event bus handler signature. Non-string
// payloads are dropped with a warning.
func (w *Webhook) HandleAlert(ctx context.Context, data any) {
	message, ok := data.(string)
	if !ok {
		w.logger.Warn().Type("payload", data).Msg("dropping non-string alert payload")
		return
	}
	if err := w.Send(ctx, message); err != nil {
		w.logger.Warn().Err(err).Msg("webhook delivery failed")
	}
}
