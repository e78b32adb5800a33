package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/craftscan/craftscan/pkg/bsonutil"
)

const (
	// maxHistoricalPlayers is the point at which a server's player history
	// counts as spam. Some servers randomize the player sample on every
	// ping and would otherwise grow without bound.
	maxHistoricalPlayers = 1000
	// prunedPlayerCount is how many of the most recent players survive a
	// prune.
	prunedPlayerCount = 500

	// DefaultMaintenanceInterval is how often the prune job runs.
	DefaultMaintenanceInterval = 4 * time.Hour
)

// Maintenance periodically prunes spammy player histories. The job runs once
// on Start and then on every tick until Stop or context cancellation.
type Maintenance struct {
	interval time.Duration
	task     func(ctx context.Context)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMaintenance wires the prune job for store. A non-positive interval
// falls back to the default.
func NewMaintenance(store *Store, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	logger := log.With().Str("component", "maintenance").Logger()
	return &Maintenance{
		interval: interval,
		task: func(ctx context.Context) {
			pruned, err := store.PruneHistoricalPlayers(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("player history prune failed")
				return
			}
			if pruned > 0 {
				logger.Info().Int("servers", pruned).Msg("pruned spam player histories")
			}
		},
	}
}

// Start launches the maintenance loop in the background.
func (m *Maintenance) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.task(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.task(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the running task to return.
func (m *Maintenance) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// PruneHistoricalPlayers rewrites every server whose player history exceeds
// maxHistoricalPlayers down to the most recently seen prunedPlayerCount
// entries. Returns how many servers were pruned.
func (s *Store) PruneHistoricalPlayers(ctx context.Context) (int, error) {
	pipeline := bson.A{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "players", Value: bson.D{{Key: "$exists", Value: true}}},
		}}},
		bson.D{{Key: "$project", Value: bson.D{
			{Key: "playerCount", Value: bson.D{{Key: "$size", Value: bson.D{
				{Key: "$objectToArray", Value: "$players"},
			}}}},
			{Key: "players", Value: "$players"},
		}}},
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "playerCount", Value: bson.D{{Key: "$gt", Value: maxHistoricalPlayers}}},
		}}},
	}

	cursor, err := s.servers.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("finding spam player histories: %w", err)
	}
	defer cursor.Close(ctx)

	pruned := 0
	for cursor.Next(ctx) {
		var doc struct {
			ID      primitive.ObjectID `bson:"_id"`
			Players bson.D             `bson:"players"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return pruned, err
		}

		// drop the field entirely first so stale keys cannot survive the
		// rewrite
		_, err := s.servers.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: doc.ID}},
			bson.D{{Key: "$unset", Value: bson.D{{Key: "players", Value: ""}}}},
		)
		if err != nil {
			return pruned, fmt.Errorf("clearing players for %s: %w", doc.ID.Hex(), err)
		}

		kept := keepMostRecent(doc.Players, prunedPlayerCount)
		_, err = s.servers.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: doc.ID}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "players", Value: kept}}}},
		)
		if err != nil {
			return pruned, fmt.Errorf("rewriting players for %s: %w", doc.ID.Hex(), err)
		}
		pruned++
	}
	if err := cursor.Err(); err != nil {
		return pruned, err
	}
	return pruned, nil
}

// keepMostRecent returns the n entries of a player history with the latest
// lastSeen timestamps, most recent first. Entries without a parsable
// lastSeen sort as oldest.
func keepMostRecent(players bson.D, n int) bson.D {
	sorted := make(bson.D, len(players))
	copy(sorted, players)

	sort.SliceStable(sorted, func(i, j int) bool {
		return playerLastSeen(sorted[i].Value) > playerLastSeen(sorted[j].Value)
	})

	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func playerLastSeen(v any) primitive.DateTime {
	doc, ok := v.(bson.D)
	if !ok {
		return 0
	}
	raw, ok := bsonutil.Lookup(doc, "lastSeen")
	if !ok {
		return 0
	}
	ts, ok := raw.(primitive.DateTime)
	if !ok {
		return 0
	}
	return ts
}
