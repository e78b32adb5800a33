// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// Package storage persists scan results and derived server state in MongoDB.
//
// The servers collection is keyed by (ip, port) string/int pairs and written
// exclusively through bulk update commands built by CreateBulkUpdate. The
// bad_servers collection records addresses that answered identically on too
// many ports; exclusions holds operator-maintained ranges the probe engine
// must never touch.
package storage

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/craftscan/craftscan/pkg/event"
	"github.com/craftscan/craftscan/pkg/metrics"
)

const (
	serversCollection    = "servers"
	badServersCollection = "bad_servers"
	exclusionsCollection = "exclusions"

	// defaultPrimaryPort is the port whose records survive a bad-address
	// cascade delete.
	defaultPrimaryPort = 25565
)

// Options configures Connect.
type Options struct {
	URI      string
	Database string
	// PrimaryPort records for a bad address are kept; every other port is
	// deleted. Defaults to 25565.
	PrimaryPort uint16
	// Bus, when set, receives a PromotionNotice for each new bad address.
	Bus event.EventBus
}

// Store wraps the MongoDB client together with the in-memory caches that the
// processing pipeline consults on every update.
type Store struct {
	client      *mongo.Client
	db          *mongo.Database
	servers     *mongo.Collection
	badServers  *mongo.Collection
	exclusions  *mongo.Collection
	primaryPort uint16
	bus         event.EventBus
	logger      zerolog.Logger

	shared *sharedState

	// spawn runs the bad-address cascade detached from the caller. Tests
	// replace it to observe promotions synchronously.
	spawn func(func())
	// persistPromotion writes the bad-address record and performs the
	// cascade delete. Split out so the decision logic can be exercised
	// without a live database.
	persistPromotion func(ctx context.Context, addr netip.Addr) error
	// now is the clock used for snapshot expiry.
	now func() time.Time
}

// Connect establishes the client, verifies the deployment with a ping, and
// warms the bad address set from the bad_servers collection.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	if opts.Database == "" {
		opts.Database = "craftscan"
	}
	if opts.PrimaryPort == 0 {
		opts.PrimaryPort = defaultPrimaryPort
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	db := client.Database(opts.Database)
	s := &Store{
		client:      client,
		db:          db,
		servers:     db.Collection(serversCollection),
		badServers:  db.Collection(badServersCollection),
		exclusions:  db.Collection(exclusionsCollection),
		primaryPort: opts.PrimaryPort,
		bus:         opts.Bus,
		logger:      log.With().Str("component", "storage").Logger(),
		shared:      newSharedState(),
		now:         time.Now,
	}
	s.spawn = func(fn func()) { go fn() }
	s.persistPromotion = s.persistBadAddress

	if err := s.loadBadAddresses(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("loading bad addresses: %w", err)
	}

	s.logger.Info().
		Str("database", opts.Database).
		Int("badAddresses", s.BadAddressCount()).
		Msg("connected")
	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return ErrClosed
	}
	err := s.client.Disconnect(ctx)
	s.client = nil
	return err
}

// Database exposes the raw handle for ad-hoc commands (stats, tooling).
func (s *Store) Database() *mongo.Database {
	return s.db
}

// loadBadAddresses populates the in-memory set from bad_servers.
func (s *Store) loadBadAddresses(ctx context.Context) error {
	cursor, err := s.badServers.Find(ctx, bson.D{})
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	addrs := make(map[netip.Addr]struct{})
	for cursor.Next(ctx) {
		var doc struct {
			IP string `bson:"ip"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return err
		}
		addr, err := netip.ParseAddr(doc.IP)
		if err != nil {
			return fmt.Errorf("bad_servers holds invalid address %q: %w", doc.IP, err)
		}
		addrs[addr] = struct{}{}
	}
	if err := cursor.Err(); err != nil {
		return err
	}

	s.shared.mu.Lock()
	s.shared.badAddrs = addrs
	s.shared.mu.Unlock()
	metrics.BadAddresses.Set(float64(len(addrs)))
	return nil
}

// IsBadAddress reports whether addr is currently classified as bad.
func (s *Store) IsBadAddress(addr netip.Addr) bool {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	_, ok := s.shared.badAddrs[addr]
	return ok
}

// BadAddressCount returns the size of the bad address set.
func (s *Store) BadAddressCount() int {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return len(s.shared.badAddrs)
}

// markBadAddress inserts addr into the in-memory set so that rejections take
// effect before the cascade delete lands.
func (s *Store) markBadAddress(addr netip.Addr) {
	s.shared.mu.Lock()
	s.shared.badAddrs[addr] = struct{}{}
	n := len(s.shared.badAddrs)
	s.shared.mu.Unlock()
	metrics.BadAddresses.Set(float64(n))
}

// persistBadAddress upserts the bad_servers record and deletes every server
// record for addr that is not on the primary port.
func (s *Store) persistBadAddress(ctx context.Context, addr netip.Addr) error {
	_, err := s.badServers.UpdateOne(ctx,
		bson.D{{Key: "ip", Value: addr.String()}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "timestamp", Value: primitive.NewDateTimeFromTime(s.now())},
		}}},
		// upsert in case the address was already there
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("recording bad address: %w", err)
	}

	res, err := s.servers.DeleteMany(ctx, bson.D{
		{Key: "ip", Value: addr.String()},
		{Key: "port", Value: bson.D{{Key: "$ne", Value: int32(s.primaryPort)}}},
	})
	if err != nil {
		return fmt.Errorf("deleting bad servers: %w", err)
	}

	s.logger.Info().
		Str("ip", addr.String()).
		Int64("deleted", res.DeletedCount).
		Msg("deleted bad servers")
	return nil
}

// spawnPromotion marks addr bad immediately and runs the persistence cascade
// detached from the caller.
func (s *Store) spawnPromotion(addr netip.Addr, hash uint64) {
	s.markBadAddress(addr)
	s.logger.Warn().Str("ip", addr.String()).Msg("found a new bad address")

	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.persistPromotion(ctx, addr); err != nil {
			s.logger.Error().Err(err).Str("ip", addr.String()).Msg("bad address promotion failed")
			return
		}
		if s.bus != nil {
			s.bus.Publish(ctx, event.TopicBadAddressPromoted, event.PromotionNotice{
				Addr: addr.String(),
				Hash: hash,
			})
		}
	})
}

// FindServer returns the stored document for one (address, port) pair.
func (s *Store) FindServer(ctx context.Context, target netip.AddrPort) (bson.D, error) {
	var doc bson.D
	err := s.servers.FindOne(ctx, bson.D{
		{Key: "ip", Value: target.Addr().String()},
		{Key: "port", Value: int32(target.Port())},
	}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &NotFoundError{ResourceType: "server", Key: target.String()}
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// CountServers returns the total number of server records.
func (s *Store) CountServers(ctx context.Context) (int64, error) {
	return s.servers.EstimatedDocumentCount(ctx)
}
