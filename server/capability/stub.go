package capability

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
)

// The built-in collaborators below back dev mode and tests. They behave like
// healthy remote services with deterministic outputs.

// LocalShopify fabricates product/variant ids and logs each call.
type LocalShopify struct {
	seq atomic.Int64
}

func NewLocalShopify() *LocalShopify {
	return &LocalShopify{}
}

func (s *LocalShopify) CreateProductDraft(ctx context.Context, merchantID string, p DraftProduct) (*DraftResult, error) {
	n := s.seq.Add(1)
	log.Printf("[SHOPIFY] merchant %s: draft %q (sku=%s qty=%d)", merchantID, p.Title, p.SKU, p.Quantity)
	return &DraftResult{
		ProductID: fmt.Sprintf("gid://shopify/Product/%d", 9000000+n),
		VariantID: fmt.Sprintf("gid://shopify/ProductVariant/%d", 9100000+n),
	}, nil
}

func (s *LocalShopify) SyncProductDraft(ctx context.Context, merchantID, productID string) error {
	log.Printf("[SHOPIFY] merchant %s: sync %s", merchantID, productID)
	return nil
}

func (s *LocalShopify) AttachImage(ctx context.Context, merchantID, productID, imageURL string) error {
	log.Printf("[SHOPIFY] merchant %s: attach image to %s", merchantID, productID)
	return nil
}

// NoImageSearcher returns no candidates; image attachment proceeds with
// whatever the extraction already carried.
type NoImageSearcher struct{}

func (NoImageSearcher) Search(ctx context.Context, query string, limit int) ([]string, error) {
	return nil, nil
}
