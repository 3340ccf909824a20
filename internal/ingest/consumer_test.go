package ingest

import (
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/KarimHesham/logistics-sync-engine/internal/orders"
)

func TestChangedShopifyFields_OnlyIncludesPresentFields(t *testing.T) {
	city := "Yonkers"
	changed := changedShopifyFields(ShopifyPayload{ShippingCity: &city})

	if len(changed) != 1 {
		t.Fatalf("changed = %+v, want exactly one field", changed)
	}
	if changed["shippingCity"] != "Yonkers" {
		t.Fatalf("shippingCity = %v, want Yonkers", changed["shippingCity"])
	}
}

func TestChangedShopifyFields_EmptyStringCountsAsPresent(t *testing.T) {
	empty := ""
	changed := changedShopifyFields(ShopifyPayload{ShippingAddress2: &empty})

	val, ok := changed["shippingAddress2"]
	if !ok {
		t.Fatal("expected shippingAddress2 to be present in changed set even when empty")
	}
	if val != "" {
		t.Fatalf("shippingAddress2 = %v, want empty string", val)
	}
}

func TestExtractCustomerID_FallsBackToUnknown(t *testing.T) {
	if got := extractCustomerID(json.RawMessage(`{}`)); got != "unknown" {
		t.Fatalf("extractCustomerID({}) = %q, want unknown", got)
	}
	if got := extractCustomerID(json.RawMessage(`not json`)); got != "unknown" {
		t.Fatalf("extractCustomerID(invalid) = %q, want unknown", got)
	}
}

func TestExtractCustomerID_ReadsPresentValue(t *testing.T) {
	got := extractCustomerID(json.RawMessage(`{"customerId":"c1"}`))
	if got != "c1" {
		t.Fatalf("extractCustomerID = %q, want c1", got)
	}
}

func TestOrderSnapshot_NullFieldsBecomeNilPointers(t *testing.T) {
	o := &orders.Order{
		OrderID:      "o1",
		CustomerID:   "c1",
		Status:       "ACTIVE",
		ShippingCity: sql.NullString{},
	}

	snap := orderSnapshot(o)
	if snap["shippingCity"] != nil {
		t.Fatalf("shippingCity = %v, want nil for an absent address", snap["shippingCity"])
	}
	if snap["orderId"] != "o1" {
		t.Fatalf("orderId = %v, want o1", snap["orderId"])
	}
}

func TestOrderSnapshot_SetFieldsAreDereferenced(t *testing.T) {
	o := &orders.Order{
		OrderID:      "o1",
		ShippingCity: sql.NullString{String: "Yonkers", Valid: true},
	}

	snap := orderSnapshot(o)
	city, ok := snap["shippingCity"].(*string)
	if !ok || city == nil || *city != "Yonkers" {
		t.Fatalf("shippingCity = %#v, want pointer to Yonkers", snap["shippingCity"])
	}
}
