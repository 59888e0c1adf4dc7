package migrate

import (
	"encoding/base64"
	"time"
)

// legacyRecord is one loosely-typed record from a legacy source. Legacy
// data carries no schema guarantees, so every field is extracted
// explicitly with a safe default; a missing or mistyped field is never
// fatal.
type legacyRecord map[string]any

// stringField returns the field as a string, or def when absent or not a
// string.
func (r legacyRecord) stringField(key, def string) string {
	if v, ok := r[key].(string); ok && v != "" {
		return v
	}
	return def
}

// intField returns the field as an int64. Legacy JSON numbers decode as
// float64; both forms are accepted.
func (r legacyRecord) intField(key string, def int64) int64 {
	switch v := r[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return def
	}
}

// boolField returns the field as a bool, or def when absent or mistyped.
func (r legacyRecord) boolField(key string, def bool) bool {
	if v, ok := r[key].(bool); ok {
		return v
	}
	return def
}

// timeField interprets the field as seconds since the Unix epoch, the
// legacy representation for all timestamps. Absent or mistyped fields
// default to def.
func (r legacyRecord) timeField(key string, def time.Time) time.Time {
	switch v := r[key].(type) {
	case float64:
		if v <= 0 {
			return def
		}
		return time.Unix(int64(v), 0)
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
		return def
	default:
		return def
	}
}

// bytesField returns the field decoded from base64, the legacy blob
// encoding. Undecodable or absent fields default to def.
func (r legacyRecord) bytesField(key string, def []byte) []byte {
	v, ok := r[key].(string)
	if !ok || v == "" {
		return def
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return def
	}
	return raw
}

// listField returns the field as a list of nested records, skipping
// entries of the wrong shape.
func (r legacyRecord) listField(key string) []legacyRecord {
	raw, ok := r[key].([]any)
	if !ok {
		return nil
	}

	out := make([]legacyRecord, 0, len(raw))
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			out = append(out, legacyRecord(m))
		}
	}
	return out
}
