// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// pkg/event/event.go
// Package event provides a simple publish-subscribe event bus for decoupled communication.
package event

import (
	"context"
	"sync"
)

// Topics published by the processing pipeline. Payload types are documented
// next to each constant.
const (
	// TopicBadAddressPromoted carries a PromotionNotice after an address
	// crosses the duplicate-content threshold.
	TopicBadAddressPromoted = "storage.bad_address.promoted"
	// TopicWebhookAlert carries a plain string to deliver to the configured
	// notification webhook.
	TopicWebhookAlert = "notify.webhook.alert"
)

// PromotionNotice describes an address that was just classified as bad.
type PromotionNotice struct {
	Addr string
	Hash uint64
}

// Handler is a function that handles an event.
type Handler func(ctx context.Context, data any)

// EventBus defines the interface for an event system.
type EventBus interface {
	Subscribe(event string, handler Handler)
	Publish(ctx context.Context, event string, data any)
}

// Bus represents the event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]Handler),
	}
}

// Subscribe adds a handler for a specific event.
func (b *Bus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[event] = append(b.subscribers[event], handler)
}

// Publish triggers all handlers subscribed to the event.
func (b *Bus) Publish(ctx context.Context, event string, data any) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.subscribers[event]...) // copy to avoid race
	b.mu.RUnlock()
	for _, handler := range handlers {
		go handler(ctx, data) // async execution
	}
}

// SyncBus runs handlers inline on Publish. It exists for tests and for
// callers that need deterministic ordering.
type SyncBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
}

// NewSync creates a bus whose Publish blocks until every handler returns.
func NewSync() *SyncBus {
	return &SyncBus{
		subscribers: make(map[string][]Handler),
	}
}

// Subscribe adds a handler for a specific event.
func (b *SyncBus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[event] = append(b.subscribers[event], handler)
}

// Publish runs every handler for the event before returning.
func (b *SyncBus) Publish(ctx context.Context, event string, data any) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.subscribers[event]...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, data)
	}
}
