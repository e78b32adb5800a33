package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ServerFilter selects which slice of the servers collection a full scan
// walks.
type ServerFilter string

const (
	// FilterActive30d matches servers that answered within 30 days.
	FilterActive30d ServerFilter = "active_30d"
	// FilterActive365d matches servers that answered within a year.
	FilterActive365d ServerFilter = "active_365d"
	// FilterNew7d matches servers first inserted within 7 days.
	FilterNew7d ServerFilter = "new_7d"
)

// snapshotTTL is how long a collected server list is served from memory
// before the collection is walked again.
const snapshotTTL = 24 * time.Hour

type snapshotEntry struct {
	servers []netip.AddrPort
	taken   time.Time
}

// filterDoc builds the find filter for one ServerFilter relative to now.
//
// FilterNew7d exploits the ObjectID layout: the first four bytes are the
// insertion time in seconds, so comparing against an id with a real timestamp
// and zeroed remainder selects by insertion date without a dedicated field.
func filterDoc(filter ServerFilter, now time.Time) (bson.D, error) {
	switch filter {
	case FilterActive30d:
		cutoff := now.Add(-30 * 24 * time.Hour)
		return bson.D{{Key: "timestamp", Value: bson.D{
			{Key: "$gt", Value: primitive.NewDateTimeFromTime(cutoff)},
		}}}, nil
	case FilterActive365d:
		cutoff := now.Add(-365 * 24 * time.Hour)
		return bson.D{{Key: "timestamp", Value: bson.D{
			{Key: "$gt", Value: primitive.NewDateTimeFromTime(cutoff)},
		}}}, nil
	case FilterNew7d:
		cutoff := now.Add(-7 * 24 * time.Hour)
		var oid primitive.ObjectID
		binary.BigEndian.PutUint32(oid[:4], uint32(cutoff.Unix()))
		return bson.D{{Key: "_id", Value: bson.D{
			{Key: "$gt", Value: oid},
		}}}, nil
	default:
		return nil, fmt.Errorf("unknown server filter %q", filter)
	}
}

// CollectServers walks the servers collection and returns every address
// matching the filter. Results are cached for 24 hours per filter; repeat
// calls within the window return the snapshot without touching the database.
func (s *Store) CollectServers(ctx context.Context, filter ServerFilter) ([]netip.AddrPort, error) {
	s.shared.mu.Lock()
	if snap, ok := s.shared.snapshots[filter]; ok && s.now().Sub(snap.taken) < snapshotTTL {
		servers := make([]netip.AddrPort, len(snap.servers))
		copy(servers, snap.servers)
		s.shared.mu.Unlock()
		return servers, nil
	}
	s.shared.mu.Unlock()

	query, err := filterDoc(filter, s.now())
	if err != nil {
		return nil, err
	}

	cursor, err := s.servers.Find(ctx, query, options.Find().
		SetProjection(bson.D{{Key: "ip", Value: 1}, {Key: "port", Value: 1}, {Key: "_id", Value: 0}}).
		SetBatchSize(2000).
		SetHint(bson.D{{Key: "ip", Value: 1}, {Key: "port", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("collecting servers: %w", err)
	}
	defer cursor.Close(ctx)

	var servers []netip.AddrPort
	for cursor.Next(ctx) {
		var doc struct {
			IP   string `bson:"ip"`
			Port int32  `bson:"port"`
		}
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		if doc.IP == "" {
			continue
		}
		addr, err := netip.ParseAddr(doc.IP)
		if err != nil {
			return nil, fmt.Errorf("servers collection holds invalid address %q: %w", doc.IP, err)
		}
		servers = append(servers, netip.AddrPortFrom(addr, uint16(doc.Port)))

		if len(servers)%10000 == 0 {
			s.logger.Info().Int("collected", len(servers)).Str("filter", string(filter)).Msg("collecting servers")
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	s.shared.mu.Lock()
	s.shared.snapshots[filter] = &snapshotEntry{servers: servers, taken: s.now()}
	s.shared.mu.Unlock()

	out := make([]netip.AddrPort, len(servers))
	copy(out, servers)
	return out, nil
}

// InvalidateSnapshots drops all cached server lists so the next collection
// walks the database again.
func (s *Store) InvalidateSnapshots() {
	s.shared.mu.Lock()
	s.shared.snapshots = make(map[ServerFilter]*snapshotEntry)
	s.shared.mu.Unlock()
}

// Exclusions returns the operator-maintained address ranges the probe engine
// must skip. Each exclusions document carries a "ranges" array of CIDR
// strings; the union across documents is returned sorted and deduplicated.
func (s *Store) Exclusions(ctx context.Context) ([]string, error) {
	cursor, err := s.exclusions.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("reading exclusions: %w", err)
	}
	defer cursor.Close(ctx)

	seen := make(map[string]struct{})
	for cursor.Next(ctx) {
		var doc struct {
			Ranges []string `bson:"ranges"`
		}
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		for _, r := range doc.Ranges {
			seen[r] = struct{}{}
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	ranges := make([]string, 0, len(seen))
	for r := range seen {
		ranges = append(ranges, r)
	}
	sort.Strings(ranges)
	return ranges, nil
}
