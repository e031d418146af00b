package ingester

import (
	"crypto/md5"
	"encoding/hex"
)

// Coordinates vary between re-emissions of the same event; the "location"
// string is kept and the split components dropped.
var hashExcludedKeys = []string{"location_x", "location_y"}

// NormalizePayload returns a copy of p without the keys that do not take
// part in event identity.
func NormalizePayload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, k := range hashExcludedKeys {
		delete(out, k)
	}
	return out
}

// EventHash is the hex MD5 of the canonical form of an event's identity:
// timestamp to the second, category, type and normalized payload.
func EventHash(ev ParsedEvent) string {
	record := map[string]any{
		"timestamp":  ev.Timestamp.UTC().Format(timestampLayout),
		"category":   ev.Category,
		"event_type": ev.EventType,
		"event_data": NormalizePayload(ev.Payload),
	}
	sum := md5.Sum([]byte(CanonicalString(record, CanonicalOptions{})))
	return hex.EncodeToString(sum[:])
}
