// Package capability defines the external collaborators a workflow stage
// invokes. Orchestration code depends only on these interfaces; the wiring in
// main decides whether the real integrations or the built-in implementations
// back them.
package capability

import "context"

// ExtractedData is what a parser produces from a raw document.
type ExtractedData struct {
	Number       string          `json:"number,omitempty"`
	SupplierName string          `json:"supplier_name,omitempty"`
	OrderDate    string          `json:"order_date,omitempty"`
	DueDate      string          `json:"due_date,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	LineItems    []ExtractedLine `json:"line_items"`
	Confidence   float64         `json:"confidence"`
}

// ExtractedLine is one parsed document row, pre-normalization. Quantity
// stays a string here: pack-size phrases ("Case of 12") are resolved later.
type ExtractedLine struct {
	SKU         string            `json:"sku"`
	ProductName string            `json:"product_name"`
	Description string            `json:"description"`
	Quantity    string            `json:"quantity"`
	UnitCost    float64           `json:"unit_cost"`
	Confidence  float64           `json:"confidence"`
	Raw         map[string]string `json:"raw,omitempty"`
}

// AIParser turns a document into structured PO data.
type AIParser interface {
	Parse(ctx context.Context, buffer []byte, mimeType string, settings map[string]string) (*ExtractedData, error)
}

// DraftProduct is the payload handed to the commerce backend.
type DraftProduct struct {
	SKU         string   `json:"sku"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Quantity    int      `json:"quantity"`
	ImageURLs   []string `json:"image_urls,omitempty"`
}

// DraftResult identifies the created remote objects.
type DraftResult struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
}

// ShopifyClient creates and syncs product drafts on the merchant's shop.
type ShopifyClient interface {
	CreateProductDraft(ctx context.Context, merchantID string, p DraftProduct) (*DraftResult, error)
	SyncProductDraft(ctx context.Context, merchantID, productID string) error
	AttachImage(ctx context.Context, merchantID, productID, imageURL string) error
}

// ImageSearcher finds candidate product images for a line item.
type ImageSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// FileStore holds uploaded document bytes between ingest and parsing.
type FileStore interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (url string, err error)
	Get(ctx context.Context, key string) (data []byte, mimeType string, err error)
}
