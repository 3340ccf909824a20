package dedupe

import (
	"encoding/json"
	"testing"
	"time"
)

var fixedTS = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestKey_PrefersUpstreamID(t *testing.T) {
	key, err := Key("shopify", "ord_123", "A1", "SHOPIFY_CREATED", fixedTS, json.RawMessage(`{"anything":"goes"}`))
	if err != nil {
		t.Fatalf("Key returned error: %v", err)
	}
	if key != "shopify:ord_123" {
		t.Fatalf("got %q, want %q", key, "shopify:ord_123")
	}
}

func TestKey_FallbackStableAcrossFieldOrder(t *testing.T) {
	a := json.RawMessage(`{"order_id":"A1","status":"shipped","amount":100}`)
	b := json.RawMessage(`{"amount":100,"status":"shipped","order_id":"A1"}`)

	keyA, err := Key("courier", "", "A1", "COURIER_STATUS_UPDATE", fixedTS, a)
	if err != nil {
		t.Fatalf("Key(a) returned error: %v", err)
	}
	keyB, err := Key("courier", "", "A1", "COURIER_STATUS_UPDATE", fixedTS, b)
	if err != nil {
		t.Fatalf("Key(b) returned error: %v", err)
	}

	if keyA != keyB {
		t.Fatalf("key differs by field order: %q vs %q", keyA, keyB)
	}
}

func TestKey_FallbackStableAcrossNestedOrder(t *testing.T) {
	a := json.RawMessage(`{"order":{"id":"A1","meta":{"a":1,"b":2}}}`)
	b := json.RawMessage(`{"order":{"meta":{"b":2,"a":1},"id":"A1"}}`)

	keyA, err := Key("courier", "", "A1", "COURIER_STATUS_UPDATE", fixedTS, a)
	if err != nil {
		t.Fatalf("Key(a) returned error: %v", err)
	}
	keyB, err := Key("courier", "", "A1", "COURIER_STATUS_UPDATE", fixedTS, b)
	if err != nil {
		t.Fatalf("Key(b) returned error: %v", err)
	}

	if keyA != keyB {
		t.Fatalf("key differs by nested field order: %q vs %q", keyA, keyB)
	}
}

func TestKey_FallbackDiffersOnContent(t *testing.T) {
	a := json.RawMessage(`{"status":"shipped"}`)
	b := json.RawMessage(`{"status":"delivered"}`)

	keyA, err := Key("courier", "", "A1", "COURIER_STATUS_UPDATE", fixedTS, a)
	if err != nil {
		t.Fatalf("Key(a) returned error: %v", err)
	}
	keyB, err := Key("courier", "", "A1", "COURIER_STATUS_UPDATE", fixedTS, b)
	if err != nil {
		t.Fatalf("Key(b) returned error: %v", err)
	}

	if keyA == keyB {
		t.Fatalf("expected distinct keys for distinct payloads, got %q for both", keyA)
	}
}

// TestKey_FallbackDiffersOnIdentityFields guards against the core
// idempotency regression: two events carrying byte-identical payloads must
// still produce different dedupe keys when their order_id, event_type, or
// event_ts differ, since the payload hash alone can't distinguish them.
func TestKey_FallbackDiffersOnIdentityFields(t *testing.T) {
	payload := json.RawMessage(`{"status":"shipped"}`)

	base, err := Key("courier", "", "A1", "COURIER_STATUS_UPDATE", fixedTS, payload)
	if err != nil {
		t.Fatalf("Key(base) returned error: %v", err)
	}

	diffOrder, err := Key("courier", "", "A2", "COURIER_STATUS_UPDATE", fixedTS, payload)
	if err != nil {
		t.Fatalf("Key(diffOrder) returned error: %v", err)
	}
	if diffOrder == base {
		t.Fatal("expected distinct keys for distinct order_id with identical payload")
	}

	diffType, err := Key("courier", "", "A1", "SHOPIFY_UPDATED", fixedTS, payload)
	if err != nil {
		t.Fatalf("Key(diffType) returned error: %v", err)
	}
	if diffType == base {
		t.Fatal("expected distinct keys for distinct event_type with identical payload")
	}

	diffTS, err := Key("courier", "", "A1", "COURIER_STATUS_UPDATE", fixedTS.Add(time.Second), payload)
	if err != nil {
		t.Fatalf("Key(diffTS) returned error: %v", err)
	}
	if diffTS == base {
		t.Fatal("expected distinct keys for distinct event_ts with identical payload")
	}
}

func TestKey_InvalidJSON(t *testing.T) {
	_, err := Key("courier", "", "A1", "COURIER_STATUS_UPDATE", fixedTS, json.RawMessage(`not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
}
