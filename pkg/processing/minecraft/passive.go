package minecraft

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"
)

// PassiveFingerprint captures structural anomalies of a status response.
// Real servers serialize their status from fixed struct definitions, so the
// key order is deterministic per version; deviations mark hand-built JSON.
type PassiveFingerprint struct {
	IncorrectOrder bool
	// FieldOrder is the observed order, only set when it was wrong.
	FieldOrder   string
	EmptySample  bool
	EmptyFavicon bool
}

var (
	orderNew = [3]string{"version", "description", "players"}
	orderOld = [3]string{"description", "players", "version"}

	playersOrder = [2]string{"max", "online"}
	versionOrder = [2]string{"name", "protocol"}
)

// GeneratePassiveFingerprint re-parses the raw response text with key order
// preserved and compares it against the expected serialization for the
// reported protocol version. Returns nil when the text is not JSON.
func GeneratePassiveFingerprint(raw string) *PassiveFingerprint {
	if !gjson.Valid(raw) {
		return nil
	}
	data := gjson.Parse(raw)

	var protocol uint64
	if v := data.Get("version.protocol"); v.Type == gjson.Number && v.Num >= 0 && v.Num == math.Trunc(v.Num) {
		protocol = uint64(v.Num)
	}

	fav := data.Get("favicon")
	fp := &PassiveFingerprint{
		EmptyFavicon: fav.Exists() && fav.Type == gjson.String && fav.Str == "",
	}

	if !data.IsObject() {
		return fp
	}

	// the order flipped in 23w07a/1.19.4
	expected := orderOld
	if (protocol >= 762 && protocol <= 0x40000000) || protocol >= 1073741943 {
		expected = orderNew
	}

	keys := filteredKeys(data, expected[:])
	playersKeys := filteredKeys(data.Get("players"), playersOrder[:])
	versionKeys := filteredKeys(data.Get("version"), versionOrder[:])

	playersWrong := !equalKeys(playersKeys, playersOrder[:])
	versionWrong := !equalKeys(versionKeys, versionOrder[:])
	if !equalKeys(keys, expected[:]) || playersWrong || versionWrong {
		fp.IncorrectOrder = true

		var b strings.Builder
		for i, key := range keys {
			b.WriteString(key)
			if key == "players" && playersWrong {
				b.WriteString("(" + strings.Join(playersKeys, ",") + ")")
			} else if key == "version" && versionWrong {
				b.WriteString("(" + strings.Join(versionKeys, ",") + ")")
			}
			if i != len(keys)-1 {
				b.WriteByte(',')
			}
		}
		fp.FieldOrder = b.String()
	}

	if sample := data.Get("players.sample"); sample.IsArray() && len(sample.Array()) == 0 {
		fp.EmptySample = true
	}

	return fp
}

// filteredKeys returns obj's keys that appear in relevant, in document
// order. Non-objects yield nil.
func filteredKeys(obj gjson.Result, relevant []string) []string {
	if !obj.IsObject() {
		return nil
	}
	var keys []string
	obj.ForEach(func(key, _ gjson.Result) bool {
		for _, want := range relevant {
			if key.Str == want {
				keys = append(keys, key.Str)
				break
			}
		}
		return true
	})
	return keys
}

func equalKeys(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
