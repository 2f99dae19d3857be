package capability

import (
	"context"
	"strings"
	"testing"
)

func TestCSVParserCanonicalLayout(t *testing.T) {
	doc := strings.Join([]string{
		"SKU,Description,Quantity,Price",
		"KA-355,Kool Aid Soda Blue Raspberry 355 ml - Case of 12,Case of 12,4.50",
		"CB-01,Single Candy Bar,1,0.99",
		"",
	}, "\n")

	got, err := NewCSVParser().Parse(context.Background(), []byte(doc), "text/csv", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0 for deterministic parsing", got.Confidence)
	}
	if len(got.LineItems) != 2 {
		t.Fatalf("line items = %d, want 2", len(got.LineItems))
	}
	li := got.LineItems[0]
	if li.SKU != "KA-355" || li.Quantity != "Case of 12" || li.UnitCost != 4.50 {
		t.Errorf("first line = %+v", li)
	}
}

func TestCSVParserHeaderAliases(t *testing.T) {
	doc := "Item,Product Name,Qty,Unit Cost\nA-1,Widget,3,$2.50\n"
	got, err := NewCSVParser().Parse(context.Background(), []byte(doc), "text/csv", nil)
	if err != nil {
		t.Fatal(err)
	}
	li := got.LineItems[0]
	if li.SKU != "A-1" || li.ProductName != "Widget" || li.Quantity != "3" || li.UnitCost != 2.50 {
		t.Errorf("line = %+v", li)
	}
}

func TestCSVParserErrors(t *testing.T) {
	p := NewCSVParser()
	ctx := context.Background()

	if _, err := p.Parse(ctx, []byte("SKU,Description,Quantity,Price\n"), "text/csv", nil); err == nil {
		t.Error("header-only document must fail")
	}
	if _, err := p.Parse(ctx, []byte("SKU,Quantity,Price\nA,1,2\n"), "text/csv", nil); err == nil {
		t.Error("missing description column must fail")
	}
	if _, err := p.Parse(ctx, []byte("SKU,Description,Quantity,Price\nA,Widget,1,notaprice\n"), "text/csv", nil); err == nil {
		t.Error("unparsable price must fail")
	}
}
