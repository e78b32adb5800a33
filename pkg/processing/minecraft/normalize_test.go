package minecraft

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/craftscan/craftscan/pkg/bsonutil"
)

const (
	onlineID  = "aaaaaaaaaaaa4aaaaaaaaaaaaaaaaaaa"
	offlineID = "bbbbbbbbbbbb3bbbbbbbbbbbbbbbbbbb"
	nilID     = "00000000000000000000000000000000"
)

func statusJSON(t *testing.T, sample []map[string]string, extra map[string]any) string {
	t.Helper()
	doc := map[string]any{
		"description": "A server",
		"players":     map[string]any{"max": 20, "online": len(sample)},
		"version":     map[string]any{"name": "1.20.1", "protocol": 763},
	}
	if sample != nil {
		doc["players"].(map[string]any)["sample"] = sample
	}
	for k, v := range extra {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(raw)
}

func mustBuild(t *testing.T, raw string) bson.D {
	t.Helper()
	update, ok := buildUpdate(gjson.Parse(raw), nil, time.Now())
	require.True(t, ok)
	return update
}

func updateKeys(update bson.D) []string {
	keys := make([]string, 0, len(update))
	for _, e := range update {
		keys = append(keys, e.Key)
	}
	return keys
}

func playerKeys(update bson.D) []string {
	var keys []string
	for _, e := range update {
		if strings.HasPrefix(e.Key, "players.") {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

func onlineModeGuess(t *testing.T, update bson.D) int32 {
	t.Helper()
	guess, ok := bsonutil.I32(update, "onlineModeGuess")
	require.True(t, ok, "onlineModeGuess missing")
	return guess
}

func TestBuildUpdateNotAStatus(t *testing.T) {
	for _, raw := range []string{
		`"just a string"`,
		`[1, 2, 3]`,
		`{"motd": "no description field"}`,
	} {
		_, ok := buildUpdate(gjson.Parse(raw), nil, time.Now())
		assert.False(t, ok, "input %q", raw)
	}
}

func TestBuildUpdateOnlineModeClassification(t *testing.T) {
	tests := []struct {
		name   string
		sample []map[string]string
		want   int32
	}{
		{"no sample defaults to offline", nil, 0},
		{"authenticated id", []map[string]string{{"id": onlineID, "name": "Alice"}}, 1},
		{"offline id", []map[string]string{{"id": offlineID, "name": "Bob"}}, 0},
		{"both kinds is mixed", []map[string]string{
			{"id": onlineID, "name": "Alice"},
			{"id": offlineID, "name": "Bob"},
		}, 2},
		{"anonymous ignored for mode", []map[string]string{
			{"id": nilID, "name": AnonymousPlayerName},
		}, 0},
		{"anonymous beside authenticated", []map[string]string{
			{"id": nilID, "name": AnonymousPlayerName},
			{"id": onlineID, "name": "Alice"},
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update := mustBuild(t, statusJSON(t, tt.sample, nil))
			assert.Equal(t, tt.want, onlineModeGuess(t, update))
		})
	}
}

func TestBuildUpdateHyphensStripped(t *testing.T) {
	hyphenated := "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa"
	update := mustBuild(t, statusJSON(t, []map[string]string{{"id": hyphenated, "name": "Alice"}}, nil))

	assert.Equal(t, []string{"players." + strings.ReplaceAll(hyphenated, "-", "")}, playerKeys(update))
	assert.Contains(t, updateKeys(update), "lastActive")
}

func TestBuildUpdateAnonymousRecordedForPresence(t *testing.T) {
	update := mustBuild(t, statusJSON(t, []map[string]string{{"id": nilID, "name": AnonymousPlayerName}}, nil))

	assert.Equal(t, []string{"players." + nilID}, playerKeys(update))
	assert.Contains(t, updateKeys(update), "lastActive")
	assert.NotContains(t, updateKeys(update), "lastEmpty")
}

func TestBuildUpdateFakeSampleSuppressesPresence(t *testing.T) {
	update := mustBuild(t, statusJSON(t, []map[string]string{
		{"id": onlineID, "name": "Alice"},
		{"id": "not-a-real-identifier", "name": "Mallory"},
	}, nil))

	keys := updateKeys(update)
	assert.Empty(t, playerKeys(update))
	assert.NotContains(t, keys, "lastActive")
	assert.NotContains(t, keys, "lastEmpty")
	// the record itself survives with its derived fields
	assert.Contains(t, keys, "timestamp")
	assert.Contains(t, keys, "onlineModeGuess")
}

func TestBuildUpdatePrivacySentinelSkipsSample(t *testing.T) {
	raw := statusJSON(t, []map[string]string{
		{"id": "garbage", "name": "Mallory"},
	}, map[string]any{"description": privacySentinel})

	update := mustBuild(t, raw)
	// the sample would be flagged as fake, but sentinel servers randomize
	// it on purpose, so it is not inspected at all
	assert.Empty(t, playerKeys(update))
	assert.Contains(t, updateKeys(update), "lastEmpty")
	assert.Equal(t, int32(0), onlineModeGuess(t, update))
}

func TestBuildUpdateEmptyServer(t *testing.T) {
	raw := `{"description":"A server","players":{"max":20,"online":0},"version":{"name":"1.20.1","protocol":763}}`
	update := mustBuild(t, raw)

	keys := updateKeys(update)
	assert.Equal(t, int32(0), onlineModeGuess(t, update))
	assert.Contains(t, keys, "lastEmpty")
	assert.NotContains(t, keys, "lastActive")
	assert.Empty(t, playerKeys(update))

	mc, ok := bsonutil.Doc(update, "minecraft")
	require.True(t, ok)
	assert.Equal(t, `"A server"`, bsonutil.StrOr(mc, "description", ""))
	assert.Equal(t, "A server", bsonutil.StrOr(mc, "cleanDescription", ""))

	isForge, ok := bsonutil.Lookup(mc, "isForge")
	require.True(t, ok)
	assert.Equal(t, false, isForge)
}

func TestBuildUpdateSampleLimit(t *testing.T) {
	sample := make([]map[string]string, 150)
	for i := range sample {
		sample[i] = map[string]string{
			"id":   fmt.Sprintf("cccccccccccc3ccccccccccccccc%04d", i),
			"name": fmt.Sprintf("player%d", i),
		}
	}
	update := mustBuild(t, statusJSON(t, sample, nil))
	assert.Len(t, playerKeys(update), sampleLimit)
}

func TestBuildUpdateForgeMarkers(t *testing.T) {
	raw := statusJSON(t, nil, map[string]any{"modinfo": map[string]any{"type": "FML"}})
	update := mustBuild(t, raw)
	mc, ok := bsonutil.Doc(update, "minecraft")
	require.True(t, ok)
	isForge, _ := bsonutil.Lookup(mc, "isForge")
	assert.Equal(t, true, isForge)

	raw = statusJSON(t, nil, map[string]any{
		"forgeData": map[string]any{"d": encodePacked(buildModList(t)), "fmlNetworkVersion": 3},
	})
	update = mustBuild(t, raw)
	mc, ok = bsonutil.Doc(update, "minecraft")
	require.True(t, ok)
	forgeData, ok := bsonutil.Doc(mc, "forgeData")
	require.True(t, ok)
	mods, ok := bsonutil.Lookup(forgeData, "mods")
	require.True(t, ok)
	assert.Len(t, mods.(bson.A), 2)
}

func TestBuildUpdateBrokenForgeBlobKeepsRecord(t *testing.T) {
	raw := statusJSON(t, nil, map[string]any{
		"forgeData": map[string]any{"d": "aa", "fmlNetworkVersion": 3},
	})
	update := mustBuild(t, raw)
	mc, ok := bsonutil.Doc(update, "minecraft")
	require.True(t, ok)
	forgeData, ok := bsonutil.Doc(mc, "forgeData")
	require.True(t, ok)
	_, hasMods := bsonutil.Lookup(forgeData, "mods")
	assert.False(t, hasMods)
	isForge, _ := bsonutil.Lookup(mc, "isForge")
	assert.Equal(t, true, isForge)
}
