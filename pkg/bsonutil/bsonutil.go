// Package bsonutil provides small helpers for reading and mutating ordered
// BSON documents (bson.D) without flattening them into maps.
package bsonutil

import "go.mongodb.org/mongo-driver/bson"

// Lookup returns the value for key in d.
func Lookup(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Doc returns the sub-document stored under key.
func Doc(d bson.D, key string) (bson.D, bool) {
	v, ok := Lookup(d, key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(bson.D)
	return sub, ok
}

// Str returns the string stored under key.
func Str(d bson.D, key string) (string, bool) {
	v, ok := Lookup(d, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StrOr returns the string under key, or def when absent or not a string.
func StrOr(d bson.D, key, def string) string {
	if s, ok := Str(d, key); ok {
		return s
	}
	return def
}

// I32 returns the numeric value under key as an int32. Both int32 and int64
// values are accepted; int64 values are truncated, matching how the documents
// were written.
func I32(d bson.D, key string) (int32, bool) {
	v, ok := Lookup(d, key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int32:
		return n, true
	case int64:
		return int32(n), true
	case int:
		return int32(n), true
	default:
		return 0, false
	}
}

// I32Or returns the numeric value under key, or def when absent.
func I32Or(d bson.D, key string, def int32) int32 {
	if n, ok := I32(d, key); ok {
		return n
	}
	return def
}

// Set replaces the value under key, or appends the pair when key is absent.
// The (possibly reallocated) document is returned.
func Set(d bson.D, key string, value any) bson.D {
	for i, e := range d {
		if e.Key == key {
			d[i].Value = value
			return d
		}
	}
	return append(d, bson.E{Key: key, Value: value})
}

// Delete removes key from d if present and returns the document.
func Delete(d bson.D, key string) bson.D {
	for i, e := range d {
		if e.Key == key {
			return append(d[:i], d[i+1:]...)
		}
	}
	return d
}

// Keys returns the document's keys in order.
func Keys(d bson.D) []string {
	keys := make([]string, 0, len(d))
	for _, e := range d {
		keys = append(keys, e.Key)
	}
	return keys
}
