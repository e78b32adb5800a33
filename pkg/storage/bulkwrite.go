package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/craftscan/craftscan/pkg/metrics"
)

// BulkUpdate is a single {q, u} pair destined for the raw update command.
// Each update matches at most one document (multi is never set) and upserts
// by default so that first contact creates the record.
type BulkUpdate struct {
	Query  bson.D
	Update bson.D
	Upsert bool

	// Optional per-update extras, omitted from the command when unset.
	Collation    bson.D
	ArrayFilters []bson.D
	Hint         any
}

// NewBulkUpdate returns an upserting update for one query.
func NewBulkUpdate(query, update bson.D) BulkUpdate {
	return BulkUpdate{Query: query, Update: update, Upsert: true}
}

// BulkUpsert reports one upserted document from the server reply.
type BulkUpsert struct {
	Index int                `bson:"index"`
	ID    primitive.ObjectID `bson:"_id"`
}

// BulkWriteError is one per-document failure from an unordered update command.
type BulkWriteError struct {
	Index   int    `bson:"index"`
	Code    int    `bson:"code"`
	Message string `bson:"errmsg"`
}

// BulkUpdateResult decodes the reply of the update command.
type BulkUpdateResult struct {
	OK          float64          `bson:"ok"`
	Matched     int64            `bson:"n"`
	Modified    int64            `bson:"nModified"`
	Upserted    []BulkUpsert     `bson:"upserted"`
	WriteErrors []BulkWriteError `bson:"writeErrors"`
}

// buildUpdateCommand assembles the raw update command document. The command
// is always unordered so one malformed update cannot block the rest of the
// batch.
func buildUpdateCommand(collection string, updates []BulkUpdate) bson.D {
	docs := make(bson.A, 0, len(updates))
	for _, u := range updates {
		doc := bson.D{
			{Key: "q", Value: u.Query},
			{Key: "u", Value: u.Update},
			{Key: "multi", Value: false},
			{Key: "upsert", Value: u.Upsert},
		}
		if u.Collation != nil {
			doc = append(doc, bson.E{Key: "collation", Value: u.Collation})
		}
		if u.ArrayFilters != nil {
			doc = append(doc, bson.E{Key: "arrayFilters", Value: u.ArrayFilters})
		}
		if u.Hint != nil {
			doc = append(doc, bson.E{Key: "hint", Value: u.Hint})
		}
		docs = append(docs, doc)
	}
	return bson.D{
		{Key: "update", Value: collection},
		{Key: "updates", Value: docs},
		{Key: "ordered", Value: false},
	}
}

// BulkUpdateServers flushes a batch of updates against the servers collection
// in one round trip. Per-document write errors are logged and surfaced in the
// result, not returned as an error; the command itself failing is.
func (s *Store) BulkUpdateServers(ctx context.Context, updates []BulkUpdate) (*BulkUpdateResult, error) {
	if len(updates) == 0 {
		return &BulkUpdateResult{OK: 1}, nil
	}

	cmd := buildUpdateCommand(serversCollection, updates)

	var result BulkUpdateResult
	if err := s.db.RunCommand(ctx, cmd).Decode(&result); err != nil {
		metrics.UpdatesFlushed.WithLabelValues("error").Add(float64(len(updates)))
		return nil, fmt.Errorf("update command: %w", err)
	}

	if len(result.WriteErrors) > 0 {
		for _, we := range result.WriteErrors {
			s.logger.Error().
				Int("index", we.Index).
				Int("code", we.Code).
				Str("error", we.Message).
				Msg("bulk update rejected")
		}
		metrics.UpdatesFlushed.WithLabelValues("rejected").Add(float64(len(result.WriteErrors)))
	}
	metrics.UpdatesFlushed.WithLabelValues("ok").Add(float64(len(updates) - len(result.WriteErrors)))

	s.logger.Debug().
		Int("updates", len(updates)).
		Int64("matched", result.Matched).
		Int64("modified", result.Modified).
		Int("upserted", len(result.Upserted)).
		Msg("flushed bulk updates")
	return &result, nil
}
