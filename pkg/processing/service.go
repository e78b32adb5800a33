// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package processing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/craftscan/craftscan/pkg/metrics"
	"github.com/craftscan/craftscan/pkg/storage"
)

const (
	defaultWorkers       = 8
	defaultQueueSize     = 4096
	defaultFlushInterval = 5 * time.Second
	defaultFlushMax      = 512
)

// Sink receives the batched updates a flush produces. *storage.Store
// implements it.
type Sink interface {
	BulkUpdateServers(ctx context.Context, updates []storage.BulkUpdate) (*storage.BulkUpdateResult, error)
}

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Sink            Sink
	Workers         int
	QueueSize       int
	FlushInterval   time.Duration
	FlushMaxUpdates int
}

// Service runs the worker pool that consumes probe responses, dispatches
// them to protocol processors, and flushes the accumulated updates to the
// sink either on an interval or when the pending buffer fills up.
type Service struct {
	sink       Sink
	processors map[Protocol]Processor

	workers  int
	queue    chan Response
	flushTTL time.Duration
	flushMax int

	mu      sync.Mutex
	pending []storage.BulkUpdate

	logger     zerolog.Logger
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	flusherEnd chan struct{}
}

func NewService(opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.FlushMaxUpdates <= 0 {
		opts.FlushMaxUpdates = defaultFlushMax
	}
	return &Service{
		sink:       opts.Sink,
		processors: make(map[Protocol]Processor),
		workers:    opts.Workers,
		queue:      make(chan Response, opts.QueueSize),
		flushTTL:   opts.FlushInterval,
		flushMax:   opts.FlushMaxUpdates,
		logger:     log.With().Str("component", "processing").Logger(),
	}
}

// Register installs the processor for one protocol. Must be called before
// Start; later registrations race with the workers.
func (s *Service) Register(p Protocol, proc Processor) {
	s.processors[p] = proc
}

// Start launches the workers and the flush loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.flusherEnd = make(chan struct{})

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	go s.flushLoop(ctx)

	s.logger.Info().
		Int("workers", s.workers).
		Dur("flushInterval", s.flushTTL).
		Int("flushMaxUpdates", s.flushMax).
		Msg("processing started")
}

// Submit enqueues one response. Returns false when the queue is full; the
// response is dropped in that case. Must not be called after Stop.
func (s *Service) Submit(resp Response) bool {
	select {
	case s.queue <- resp:
		metrics.QueueDepth.Set(float64(len(s.queue)))
		return true
	default:
		metrics.ResponsesProcessed.WithLabelValues(string(resp.Protocol), "queue_full").Inc()
		return false
	}
}

// Stop drains the queue, waits for the workers, and runs a final flush.
func (s *Service) Stop() {
	close(s.queue)
	s.wg.Wait()
	s.cancel()
	<-s.flusherEnd

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.flush(ctx, "shutdown")
	s.logger.Info().Msg("processing stopped")
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for resp := range s.queue {
		s.handle(ctx, resp)
		metrics.QueueDepth.Set(float64(len(s.queue)))
	}
}

func (s *Service) handle(ctx context.Context, resp Response) {
	proc, ok := s.processors[resp.Protocol]
	if !ok {
		metrics.ResponsesProcessed.WithLabelValues(string(resp.Protocol), "unknown_protocol").Inc()
		s.logger.Debug().Str("protocol", string(resp.Protocol)).Msg("no processor registered")
		return
	}

	update, err := proc.Process(ctx, resp)
	switch {
	case storage.IsBadAddress(err):
		metrics.ResponsesProcessed.WithLabelValues(string(resp.Protocol), "rejected").Inc()
		s.logger.Debug().Stringer("target", resp.Target).Msg("update rejected for bad address")
		return
	case storage.IsMalformedUpdate(err):
		metrics.ResponsesProcessed.WithLabelValues(string(resp.Protocol), "malformed").Inc()
		s.logger.Debug().Err(err).Stringer("target", resp.Target).Msg("update dropped")
		return
	case err != nil:
		metrics.ResponsesProcessed.WithLabelValues(string(resp.Protocol), "error").Inc()
		s.logger.Error().Err(err).Stringer("target", resp.Target).Msg("processing failed")
		return
	case update == nil:
		metrics.ResponsesProcessed.WithLabelValues(string(resp.Protocol), "skipped").Inc()
		return
	}

	metrics.ResponsesProcessed.WithLabelValues(string(resp.Protocol), "ok").Inc()

	s.mu.Lock()
	s.pending = append(s.pending, *update)
	full := len(s.pending) >= s.flushMax
	s.mu.Unlock()

	if full {
		s.flush(ctx, "size")
	}
}

func (s *Service) flushLoop(ctx context.Context) {
	defer close(s.flusherEnd)
	ticker := time.NewTicker(s.flushTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx, "interval")
		}
	}
}

// flush swaps the pending buffer out under the lock and writes it outside.
func (s *Service) flush(ctx context.Context, reason string) {
	s.mu.Lock()
	updates := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(updates) == 0 {
		return
	}

	flushID := uuid.NewString()
	start := time.Now()
	result, err := s.sink.BulkUpdateServers(ctx, updates)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error().Err(err).
			Str("flushId", flushID).
			Str("reason", reason).
			Int("updates", len(updates)).
			Msg("flush failed")
		return
	}

	s.logger.Info().
		Str("flushId", flushID).
		Str("reason", reason).
		Int("updates", len(updates)).
		Int64("matched", result.Matched).
		Int64("modified", result.Modified).
		Int("upserted", len(result.Upserted)).
		Dur("took", time.Since(start)).
		Msg("flushed updates")
}

// Pending reports how many updates are waiting for the next flush.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
