package capability

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// CSVParser is the deterministic parser for structured uploads. It handles
// the canonical SKU,Description,Quantity,Price layout (header row required,
// column order flexible) and reports full confidence per parsed row, since
// no inference is involved.
type CSVParser struct{}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// column aliases accepted in the header row, lowercased.
var csvColumns = map[string]string{
	"sku":          "sku",
	"item":         "sku",
	"item number":  "sku",
	"description":  "description",
	"product":      "description",
	"product name": "description",
	"name":         "description",
	"quantity":     "quantity",
	"qty":          "quantity",
	"price":        "price",
	"unit price":   "price",
	"unit cost":    "price",
	"cost":         "price",
}

func (p *CSVParser) Parse(ctx context.Context, buffer []byte, mimeType string, settings map[string]string) (*ExtractedData, error) {
	r := csv.NewReader(bytes.NewReader(buffer))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv parse: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("csv parse: need a header row and at least one data row, got %d rows", len(records))
	}

	cols := make(map[string]int)
	for i, h := range records[0] {
		if canonical, ok := csvColumns[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}
	for _, required := range []string{"sku", "description", "quantity", "price"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv parse: missing %q column in header", required)
		}
	}

	out := &ExtractedData{Confidence: 1.0}
	for rowNum, rec := range records[1:] {
		if isBlankRow(rec) {
			continue
		}
		field := func(name string) string {
			idx := cols[name]
			if idx >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[idx])
		}

		price, err := strconv.ParseFloat(strings.TrimPrefix(field("price"), "$"), 64)
		if err != nil {
			return nil, fmt.Errorf("csv parse: row %d: bad price %q", rowNum+2, field("price"))
		}

		out.LineItems = append(out.LineItems, ExtractedLine{
			SKU:         field("sku"),
			ProductName: field("description"),
			Description: field("description"),
			Quantity:    field("quantity"),
			UnitCost:    price,
			Confidence:  1.0,
			Raw: map[string]string{
				"sku":         field("sku"),
				"description": field("description"),
				"quantity":    field("quantity"),
				"price":       field("price"),
			},
		})
	}
	if len(out.LineItems) == 0 {
		return nil, fmt.Errorf("csv parse: no data rows")
	}
	return out, nil
}

func isBlankRow(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
