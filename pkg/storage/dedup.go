// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package storage

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/craftscan/craftscan/pkg/bsonutil"
	"github.com/craftscan/craftscan/pkg/metrics"
)

const (
	// hashCacheCapacity bounds the per-address dedup cache. Arbitrary, 2^20.
	hashCacheCapacity = 1 << 20

	// duplicateThreshold is the number of distinct ports answering with an
	// identical status before an address is declared bad.
	duplicateThreshold = 100
)

// addrHashEntry tracks how many distinct ports of one address produced the
// same content hash.
type addrHashEntry struct {
	hash uint64
	// count is the number of matching ports seen so far. diverged flips
	// once two ports disagree, after which the address is never promoted.
	count    int
	diverged bool
	ports    map[uint16]struct{}
}

// sharedState is the mutable state consulted on every update. A single mutex
// guards all of it; the critical sections are short and allocation free.
type sharedState struct {
	mu sync.Mutex

	badAddrs  map[netip.Addr]struct{}
	hashCache *lru.Cache[netip.Addr, *addrHashEntry]

	snapshots map[ServerFilter]*snapshotEntry
}

func newSharedState() *sharedState {
	cache, err := lru.New[netip.Addr, *addrHashEntry](hashCacheCapacity)
	if err != nil {
		// only reachable with a non-positive constant capacity
		panic(err)
	}
	return &sharedState{
		badAddrs:  make(map[netip.Addr]struct{}),
		hashCache: cache,
		snapshots: make(map[ServerFilter]*snapshotEntry),
	}
}

var hashFieldSep = []byte{0}

// hashServerContent folds the fields that honeypots replay verbatim across
// every port into a single hash.
func hashServerContent(description, versionName string, protocol, maxPlayers int32) uint64 {
	var b [4]byte
	d := xxhash.New()
	_, _ = d.WriteString(description)
	_, _ = d.Write(hashFieldSep)
	_, _ = d.WriteString(versionName)
	_, _ = d.Write(hashFieldSep)
	binary.LittleEndian.PutUint32(b[:], uint32(protocol))
	_, _ = d.Write(b[:])
	binary.LittleEndian.PutUint32(b[:], uint32(maxPlayers))
	_, _ = d.Write(b[:])
	return d.Sum64()
}

// determineContentHash extracts the hash inputs from a server update. The
// update must carry $set.minecraft.version as a document; everything else
// falls back to zero values.
func determineContentHash(update bson.D) (uint64, error) {
	set, ok := bsonutil.Doc(update, "$set")
	if !ok {
		return 0, &MalformedUpdateError{Reason: "missing $set document"}
	}
	mc, ok := bsonutil.Doc(set, "minecraft")
	if !ok {
		return 0, &MalformedUpdateError{Reason: "missing minecraft document"}
	}
	version, ok := bsonutil.Doc(mc, "version")
	if !ok {
		return 0, &MalformedUpdateError{Reason: "missing minecraft.version document"}
	}

	description := bsonutil.StrOr(mc, "description", "")
	versionName := bsonutil.StrOr(version, "name", "")
	protocol := bsonutil.I32Or(version, "protocol", 0)

	var maxPlayers int32
	if players, ok := bsonutil.Doc(mc, "players"); ok {
		maxPlayers = bsonutil.I32Or(players, "max", 0)
	}

	return hashServerContent(description, versionName, protocol, maxPlayers), nil
}

// CreateBulkUpdate turns a processed server update into a bulk write, or
// rejects it. Rejections come in two flavors: BadAddressError when the
// address is (or just became) a honeypot replaying one response across its
// ports, and MalformedUpdateError when the update lacks the fields needed to
// judge that.
//
// The duplicate check only fires the first time a port is seen; repeat
// observations of a known port pass through untouched.
func (s *Store) CreateBulkUpdate(target netip.AddrPort, update bson.D) (BulkUpdate, error) {
	addr := target.Addr()
	port := target.Port()

	promote := false
	var promoteHash uint64

	s.shared.mu.Lock()
	if _, bad := s.shared.badAddrs[addr]; bad && port != s.primaryPort {
		s.shared.mu.Unlock()
		metrics.DuplicatesDropped.Inc()
		return BulkUpdate{}, &BadAddressError{Addr: addr, Port: port}
	}

	if entry, ok := s.shared.hashCache.Get(addr); ok {
		if _, seen := entry.ports[port]; !seen && !entry.diverged {
			hash, err := determineContentHash(update)
			if err != nil {
				s.shared.mu.Unlock()
				return BulkUpdate{}, fmt.Errorf("hashing update for %s: %w", target, err)
			}
			if hash == entry.hash {
				entry.count++
				entry.ports[port] = struct{}{}
				if entry.count >= duplicateThreshold {
					promote = true
					promoteHash = hash
				}
			} else {
				// ports disagree, this address is a real host
				entry.diverged = true
			}
		}
	} else {
		hash, err := determineContentHash(update)
		if err != nil {
			s.shared.mu.Unlock()
			return BulkUpdate{}, fmt.Errorf("hashing update for %s: %w", target, err)
		}
		s.shared.hashCache.Add(addr, &addrHashEntry{
			hash:  hash,
			count: 1,
			ports: map[uint16]struct{}{port: {}},
		})
	}
	s.shared.mu.Unlock()

	if promote {
		s.spawnPromotion(addr, promoteHash)
		metrics.DuplicatesDropped.Inc()
		return BulkUpdate{}, &BadAddressError{Addr: addr, Port: port}
	}

	return NewBulkUpdate(
		bson.D{
			{Key: "ip", Value: bson.D{{Key: "$eq", Value: addr.String()}}},
			{Key: "port", Value: bson.D{{Key: "$eq", Value: int32(port)}}},
		},
		update,
	), nil
}

// HashCacheLen reports how many addresses the dedup cache currently tracks.
func (s *Store) HashCacheLen() int {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.shared.hashCache.Len()
}
