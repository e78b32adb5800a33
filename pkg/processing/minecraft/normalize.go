// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package minecraft

import (
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/craftscan/craftscan/pkg/bsonutil"
	"github.com/craftscan/craftscan/pkg/mctext"
)

// AnonymousPlayerName is the display name servers give players hidden by
// their privacy settings. Their identifiers are all zeroes.
const AnonymousPlayerName = "Anonymous Player"

// privacySentinel is the exact description of servers that intentionally
// randomize their ping data until a player has logged in. Their samples are
// noise, so the whole player pass is skipped.
const privacySentinel = "To protect the privacy of this server and its\nusers, you must log in once to see ping data."

// playerIDPattern matches a canonical hyphenless player identifier. The
// 13th hex digit is the version nibble: 4 for accounts that authenticated,
// 3 for offline-mode identifiers derived from the name.
var playerIDPattern = regexp.MustCompile("[0-9a-f]{12}[34][0-9a-f]{19}")

// sampleLimit bounds how many sampled players are inspected per response.
const sampleLimit = 100

// buildUpdate turns one parsed status response into the `$set` payload for
// the servers collection. Returns false when the response does not look like
// a server status at all (not an object, no description) or when the player
// sample is structurally broken.
func buildUpdate(data gjson.Result, fp *PassiveFingerprint, now time.Time) (bson.D, bool) {
	if !data.IsObject() {
		return nil, false
	}

	var payload bson.D
	if err := bson.UnmarshalExtJSON([]byte(data.Raw), false, &payload); err != nil {
		return nil, false
	}

	desc := data.Get("description")
	if !desc.Exists() {
		// no description, so probably not even a minecraft server
		return nil, false
	}

	// keep the description as its raw JSON text; the cleaned form flattens
	// chat components and drops legacy formatting codes
	payload = bsonutil.Set(payload, "description", desc.Raw)
	payload = bsonutil.Set(payload, "cleanDescription", mctext.Clean(desc.Raw))

	_, legacyForge := bsonutil.Lookup(payload, "modinfo")
	_, modernForge := bsonutil.Lookup(payload, "forgeData")
	payload = bsonutil.Set(payload, "isForge", legacyForge || modernForge)

	if forgeData, ok := bsonutil.Doc(payload, "forgeData"); ok {
		if packed, ok := bsonutil.Str(forgeData, "d"); ok {
			if mods := DecodeForgeMods(packed); mods != nil {
				arr := make(bson.A, 0, len(mods))
				for _, m := range mods {
					arr = append(arr, bson.D{
						{Key: "modId", Value: m.ID},
						{Key: "modmarker", Value: m.Marker},
					})
				}
				payload = bsonutil.Set(payload, "forgeData", bsonutil.Set(forgeData, "mods", arr))
			}
		}
	}

	var onlineMode *bool
	mixed := false
	fakeSample := false
	hasPlayers := false
	var playerSets bson.D

	hidden := desc.Type == gjson.String && desc.Str == privacySentinel
	if !hidden {
		sample := data.Get("players.sample")
		if sample.IsArray() {
			for i, player := range sample.Array() {
				if i >= sampleLimit {
					break
				}
				if !player.IsObject() {
					return nil, false
				}

				id := player.Get("id").Str
				name := player.Get("name").Str
				uuid := strings.ReplaceAll(id, "-", "")

				// anonymous players carry the nil identifier, which never
				// matches the pattern
				if !playerIDPattern.MatchString(uuid) && name != AnonymousPlayerName {
					fakeSample = true
				}

				if !mixed && !allZero(uuid) {
					v4 := len(uuid) > 12 && uuid[12] == '4'
					if onlineMode != nil && *onlineMode != v4 {
						mixed = true
					} else if onlineMode == nil {
						onlineMode = &v4
					}
				}

				playerSets = bsonutil.Set(playerSets, "players."+uuid, bson.D{
					{Key: "lastSeen", Value: primitive.NewDateTimeFromTime(now)},
					{Key: "name", Value: name},
				})
				hasPlayers = true
			}
		}
	}

	update := bson.D{
		{Key: "timestamp", Value: primitive.NewDateTimeFromTime(now)},
		{Key: "minecraft", Value: payload},
	}

	guess := int32(0)
	switch {
	case mixed:
		guess = 2
	case onlineMode != nil && *onlineMode:
		guess = 1
	}
	update = append(update, bson.E{Key: "onlineModeGuess", Value: guess})

	// a faked sample means the presence data cannot be trusted, so neither
	// the player map nor the activity timestamps are written
	if !fakeSample {
		update = append(update, playerSets...)
		activity := "lastEmpty"
		if hasPlayers {
			activity = "lastActive"
		}
		update = append(update, bson.E{Key: activity, Value: primitive.NewDateTimeFromTime(now)})
	}

	if fp != nil {
		update = append(update, bson.E{Key: "fingerprint.passive.incorrectOrder", Value: fp.IncorrectOrder})
		if fp.FieldOrder != "" {
			update = append(update, bson.E{Key: "fingerprint.passive.fieldOrder", Value: fp.FieldOrder})
		}
		update = append(update,
			bson.E{Key: "fingerprint.passive.emptySample", Value: fp.EmptySample},
			bson.E{Key: "fingerprint.passive.emptyFavicon", Value: fp.EmptyFavicon},
		)
	}

	return update, true
}

func allZero(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' {
			return false
		}
	}
	return true
}
