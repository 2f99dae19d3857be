package persist

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/shopdock/poflow/server/capability"
)

func extraction(number string, lines ...capability.ExtractedLine) *capability.ExtractedData {
	return &capability.ExtractedData{
		Number:       number,
		SupplierName: "Acme Distributing",
		Currency:     "USD",
		Confidence:   0.92,
		LineItems:    lines,
	}
}

func TestRunSaveCreate(t *testing.T) {
	db := newFakeDB()
	svc := NewService(nil, nil)

	req := SaveRequest{
		MerchantID:      "m1",
		PurchaseOrderID: "po-1",
		UploadID:        "up-1",
		WorkflowID:      "wf-1",
		Extracted: extraction("3541",
			capability.ExtractedLine{SKU: "SKU-1", Quantity: "Case of 12", UnitCost: 4.50},
			capability.ExtractedLine{SKU: "SKU-2", Quantity: "2", UnitCost: 10.00},
		),
	}

	res, err := svc.runSave(context.Background(), db, req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created {
		t.Error("expected create path")
	}
	if res.Number != "3541" {
		t.Errorf("number = %q, want 3541", res.Number)
	}
	if res.LineItems != 2 {
		t.Errorf("line items = %d, want 2", res.LineItems)
	}
	// 12*4.50 + 2*10.00; totals are recomputed, never trusted from input.
	if math.Abs(res.TotalAmount-74.00) > 1e-9 {
		t.Errorf("total = %v, want 74.00", res.TotalAmount)
	}
	if db.lineItems["po-1"][0].quantity != 12 {
		t.Errorf("pack-size quantity not resolved: %+v", db.lineItems["po-1"][0])
	}
	if db.audits != 1 {
		t.Errorf("audit records = %d, want 1", db.audits)
	}
}

func TestRunSaveCreateWithConflictSuffix(t *testing.T) {
	db := newFakeDB()
	db.addPO("po-a", "m1", "3541")
	db.addPO("po-b", "m1", "3541-1")
	svc := NewService(nil, nil)

	res, err := svc.runSave(context.Background(), db, SaveRequest{
		MerchantID:      "m1",
		PurchaseOrderID: "po-new",
		WorkflowID:      "wf-1",
		Extracted:       extraction("3541", capability.ExtractedLine{SKU: "A", Quantity: "1", UnitCost: 1}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Number != "3541-2" {
		t.Errorf("number = %q, want 3541-2", res.Number)
	}
}

func TestRunSaveUpdateKeepsIncumbentOnConflict(t *testing.T) {
	db := newFakeDB()
	db.addPO("po-a", "m1", "TEMP-123")
	db.addPO("po-b", "m1", "3541")
	svc := NewService(nil, nil)

	res, err := svc.runSave(context.Background(), db, SaveRequest{
		MerchantID:      "m1",
		PurchaseOrderID: "po-a",
		WorkflowID:      "wf-1",
		Extracted:       extraction("3541", capability.ExtractedLine{SKU: "A", Quantity: "1", UnitCost: 1}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Error("expected update path")
	}
	if res.Number != "TEMP-123" {
		t.Errorf("number = %q, want incumbent TEMP-123", res.Number)
	}
	if db.pos["po-a"].number != "TEMP-123" {
		t.Errorf("stored number = %q, want TEMP-123", db.pos["po-a"].number)
	}
}

func TestRunSaveUpdateAdoptsFreeNumber(t *testing.T) {
	db := newFakeDB()
	db.addPO("po-a", "m1", "TEMP-123")
	svc := NewService(nil, nil)

	res, err := svc.runSave(context.Background(), db, SaveRequest{
		MerchantID:      "m1",
		PurchaseOrderID: "po-a",
		WorkflowID:      "wf-1",
		Extracted:       extraction("3541", capability.ExtractedLine{SKU: "A", Quantity: "1", UnitCost: 1}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Number != "3541" {
		t.Errorf("number = %q, want extracted 3541", res.Number)
	}
}

func TestRunSaveRejectsZeroLineItems(t *testing.T) {
	db := newFakeDB()
	svc := NewService(nil, nil)

	_, err := svc.runSave(context.Background(), db, SaveRequest{
		MerchantID:      "m1",
		PurchaseOrderID: "po-1",
		WorkflowID:      "wf-1",
		Extracted:       extraction("3541"),
	})
	if !errors.Is(err, ErrNoLineItems) {
		t.Fatalf("err = %v, want ErrNoLineItems", err)
	}
	if db.audits != 0 {
		t.Error("nothing should be written for an empty extraction")
	}
}

func TestRunSaveReplacesPriorLineItems(t *testing.T) {
	db := newFakeDB()
	db.addPO("po-a", "m1", "3541")
	db.lineItems["po-a"] = []fakeLine{{sku: "STALE", quantity: 99}}
	svc := NewService(nil, nil)

	res, err := svc.runSave(context.Background(), db, SaveRequest{
		MerchantID:      "m1",
		PurchaseOrderID: "po-a",
		WorkflowID:      "wf-1",
		Extracted:       extraction("3541", capability.ExtractedLine{SKU: "FRESH", Quantity: "1", UnitCost: 2}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.LineItems != 1 {
		t.Fatalf("line items = %d, want 1", res.LineItems)
	}
	if db.lineItems["po-a"][0].sku != "FRESH" {
		t.Errorf("stale line item survived the replace: %+v", db.lineItems["po-a"])
	}
}

func TestBuildLineItemsFallsBackToProductName(t *testing.T) {
	ex := extraction("3541",
		// Quantity unset: the pack size comes from the product name. No SKU:
		// a deterministic one is derived from the name.
		capability.ExtractedLine{ProductName: "Kool Aid Soda Blue Raspberry 355 ml - Case of 12", UnitCost: 4.50},
		capability.ExtractedLine{SKU: "CB-01", ProductName: "Single Candy Bar", Quantity: "2", UnitCost: 0.99},
	)

	items, total := buildLineItems("po-1", ex)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Quantity != 12 {
		t.Errorf("quantity from name = %d, want 12", items[0].Quantity)
	}
	if math.Abs(items[0].TotalCost-54.00) > 1e-9 {
		t.Errorf("total cost = %v, want 54.00", items[0].TotalCost)
	}
	if items[0].SKU == "" || items[0].SKU != DeriveSKU("Kool Aid Soda Blue Raspberry 355 ml - Case of 12") {
		t.Errorf("derived sku = %q", items[0].SKU)
	}
	if items[1].SKU != "CB-01" || items[1].Quantity != 2 {
		t.Errorf("explicit values must win: %+v", items[1])
	}
	if math.Abs(total-55.98) > 1e-9 {
		t.Errorf("order total = %v, want 55.98", total)
	}
}

func TestRunSavePropagatesWriteErrors(t *testing.T) {
	db := newFakeDB()
	db.execErr = errors.New("boom")
	svc := NewService(nil, nil)

	_, err := svc.runSave(context.Background(), db, SaveRequest{
		MerchantID:      "m1",
		PurchaseOrderID: "po-1",
		WorkflowID:      "wf-1",
		Extracted:       extraction("3541", capability.ExtractedLine{SKU: "A", Quantity: "1", UnitCost: 1}),
	})
	if err == nil {
		t.Fatal("expected error to surface for the caller's retry policy")
	}
}
