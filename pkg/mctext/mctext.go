// pkg/mctext/mctext.go
// Package mctext flattens Minecraft chat components into plain text.
//
// Status descriptions arrive as a JSON chat component: a bare string, an
// object with text/translate/extra fields, or an array of components. Clean
// renders the component tree and strips legacy section-sign formatting codes
// so the result is suitable for display and search.
package mctext

import (
	"strings"

	"github.com/tidwall/gjson"
)

// legacyPrefix is the section sign used by legacy formatting codes (e.g. §a).
const legacyPrefix = '§'

// Clean renders the JSON chat component in raw as plain text. Malformed input
// renders as the empty string rather than an error; a missing description
// must never abort record processing.
func Clean(raw string) string {
	return StripLegacy(Flatten(gjson.Parse(raw)))
}

// Flatten concatenates the text content of a parsed component tree.
func Flatten(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		var sb strings.Builder
		v.ForEach(func(_, item gjson.Result) bool {
			sb.WriteString(Flatten(item))
			return true
		})
		return sb.String()
	case v.IsObject():
		var sb strings.Builder
		if text := v.Get("text"); text.Exists() {
			sb.WriteString(text.String())
		} else if translate := v.Get("translate"); translate.Exists() {
			// Untranslated keys render literally, matching vanilla fallback.
			sb.WriteString(translate.String())
		}
		if extra := v.Get("extra"); extra.IsArray() {
			extra.ForEach(func(_, item gjson.Result) bool {
				sb.WriteString(Flatten(item))
				return true
			})
		}
		return sb.String()
	case v.Type == gjson.Number, v.Type == gjson.True, v.Type == gjson.False:
		return v.String()
	default:
		return ""
	}
}

// StripLegacy removes § formatting codes. The section sign and the single
// rune following it are dropped; a trailing bare § is dropped as well.
func StripLegacy(s string) string {
	if !strings.ContainsRune(s, legacyPrefix) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	skip := false
	for _, r := range s {
		if skip {
			skip = false
			continue
		}
		if r == legacyPrefix {
			skip = true
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
