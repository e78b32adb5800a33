// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// pkg/metrics/metrics.go
// Package metrics exposes Prometheus counters for the processing pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// ServersFound counts new servers discovered, labelled by scan mode.
	ServersFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "craftscan_found",
		Help: "Number of new servers found",
	}, []string{"mode"})

	// ServersRescanned counts servers that were already known and got refreshed.
	ServersRescanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craftscan_rescanned",
		Help: "Number of servers rescanned",
	})

	// ServersFingerprinted counts servers that completed an active fingerprint probe.
	ServersFingerprinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craftscan_fingerprint",
		Help: "Number of servers fingerprinted",
	})

	// ResponsesProcessed counts raw scan responses handed to a processor.
	ResponsesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "craftscan_responses_processed_total",
		Help: "Raw scan responses processed, by protocol and outcome",
	}, []string{"protocol", "outcome"})

	// UpdatesFlushed counts documents written per bulk flush outcome.
	UpdatesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "craftscan_updates_flushed_total",
		Help: "Bulk update documents flushed to storage",
	}, []string{"result"})

	// DuplicatesDropped counts updates suppressed by the duplicate-content cache.
	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craftscan_duplicates_dropped_total",
		Help: "Updates dropped because the per-address content hash repeated",
	})

	// BadAddresses tracks the size of the known bad address set.
	BadAddresses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "craftscan_bad_addresses",
		Help: "Addresses currently classified as bad",
	})

	// QueueDepth tracks the pending length of the processing queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "craftscan_queue_depth",
		Help: "Responses waiting in the processing queue",
	})

	// FlushDuration observes how long storage flushes take.
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "craftscan_flush_duration_seconds",
		Help:    "Duration of bulk update flushes",
		Buckets: prometheus.DefBuckets,
	})
)

// Serve exposes /metrics on listen until ctx is cancelled. A closed context
// shuts the listener down with a short grace period.
func Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}()

	log.Info().Str("listen", listen).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
