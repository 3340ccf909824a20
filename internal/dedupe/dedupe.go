// Package dedupe computes the stable key used to de-duplicate inbound
// events at the Event Inbox boundary.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Key returns the dedupe key for an event from source carrying upstreamID,
// orderID, eventType, eventTS, and raw payload. When upstreamID is non-empty
// it is used directly ("source:upstreamID"), since upstream systems already
// guarantee its uniqueness per event. When upstreamID is empty, the key
// falls back to the hex-encoded SHA-256 digest of
// "source|orderID|eventType|eventTS(RFC3339Nano)|stable_hash(payload)", per
// spec.md §4.1 — folding in the event's identity fields (not just the
// payload) so two different events that happen to carry byte-identical
// bodies never collide.
func Key(source, upstreamID, orderID, eventType string, eventTS time.Time, payload json.RawMessage) (string, error) {
	if upstreamID != "" {
		return fmt.Sprintf("%s:%s", source, upstreamID), nil
	}

	canonical, err := canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("dedupe: canonicalize payload: %w", err)
	}
	payloadSum := sha256.Sum256(canonical)

	fallback := fmt.Sprintf("%s|%s|%s|%s|%s",
		source, orderID, eventType, eventTS.UTC().Format(time.RFC3339Nano), hex.EncodeToString(payloadSum[:]))
	sum := sha256.Sum256([]byte(fallback))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize re-marshals raw with every object's keys sorted
// lexicographically at every nesting depth, so the resulting bytes are
// stable regardless of the original field order.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(sortValue(v))
}

// sortValue returns v with every nested map rewritten as an
// order-preserving slice of key/value pairs, sorted by key, so json.Marshal
// emits keys in a deterministic order at every depth.
func sortValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{key: k, value: sortValue(val[k])})
		}
		return ordered
	case []any:
		sorted := make([]any, len(val))
		for i, item := range val {
			sorted[i] = sortValue(item)
		}
		return sorted
	default:
		return val
	}
}

type kv struct {
	key   string
	value any
}

// orderedMap marshals as a JSON object preserving insertion order, unlike
// map[string]any whose key order json.Marshal otherwise randomizes across
// runs via Go's map iteration.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(pair.key)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')

		valBytes, err := json.Marshal(pair.value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}
