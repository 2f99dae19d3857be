package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopdock/poflow/server/capability"
	"github.com/shopdock/poflow/server/persist"
	"github.com/shopdock/poflow/server/queue"
	"github.com/shopdock/poflow/server/store"
)

// stageContext carries one stage invocation's inputs.
type stageContext struct {
	payload Payload
	job     *queue.Job
	acc     map[string]any
}

type stageDef struct {
	name     string
	mutating bool
	run      func(o *Orchestrator, ctx context.Context, sc *stageContext) (map[string]any, error)
}

// database_save is not flagged mutating here: the persistence service
// acquires the PO lock itself around its transaction.
var stageDefs = map[string]stageDef{
	queue.QueueAIParsing:         {name: queue.QueueAIParsing, run: (*Orchestrator).runAIParsing},
	queue.QueueDatabaseSave:      {name: queue.QueueDatabaseSave, run: (*Orchestrator).runDatabaseSave},
	queue.QueueDataNormalization: {name: queue.QueueDataNormalization, run: (*Orchestrator).runDataNormalization},
	queue.QueueMerchantConfig:    {name: queue.QueueMerchantConfig, run: (*Orchestrator).runMerchantConfig},
	queue.QueueAIEnrichment:      {name: queue.QueueAIEnrichment, run: (*Orchestrator).runAIEnrichment},
	queue.QueueShopifyPayload:    {name: queue.QueueShopifyPayload, run: (*Orchestrator).runShopifyPayload},
	queue.QueueProductDraft:      {name: queue.QueueProductDraft, mutating: true, run: (*Orchestrator).runProductDraft},
	queue.QueueImageAttachment:   {name: queue.QueueImageAttachment, mutating: true, run: (*Orchestrator).runImageAttachment},
	queue.QueueShopifySync:       {name: queue.QueueShopifySync, mutating: true, run: (*Orchestrator).runShopifySync},
	queue.QueueStatusUpdate:      {name: queue.QueueStatusUpdate, mutating: true, run: (*Orchestrator).runStatusUpdate},
}

func (o *Orchestrator) runAIParsing(ctx context.Context, sc *stageContext) (map[string]any, error) {
	p := sc.payload
	upload, err := o.d.Store.GetUpload(ctx, p.MerchantID, p.UploadID)
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return nil, fmt.Errorf("upload %s not found", p.UploadID)
	}
	if err := o.d.Store.UpdateUploadStatus(ctx, p.MerchantID, p.UploadID, "processing"); err != nil {
		return nil, err
	}

	data, mime, err := o.d.Files.Get(ctx, p.UploadID)
	if err != nil {
		return nil, err
	}
	if mime == "" {
		mime = upload.MimeType
	}

	var settings map[string]string
	if m, err := o.d.Store.GetMerchant(ctx, p.MerchantID); err == nil && m != nil {
		settings = m.Settings
	}

	extracted, err := o.d.Parser.Parse(ctx, data, mime, settings)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", upload.OriginalFileName, err)
	}
	if len(extracted.LineItems) == 0 {
		return nil, fmt.Errorf("parse %s: no line items extracted", upload.OriginalFileName)
	}

	return map[string]any{
		"extraction":    extracted,
		"confidence":    extracted.Confidence,
		"supplier_name": extracted.SupplierName,
		"po_number":     extracted.Number,
	}, nil
}

func (o *Orchestrator) runDatabaseSave(ctx context.Context, sc *stageContext) (map[string]any, error) {
	p := sc.payload
	extracted, err := extractionFromAcc(sc.acc)
	if err != nil {
		return nil, err
	}
	if extracted == nil {
		// Stage data expired before the save ran; the extraction is gone and
		// this attempt cannot succeed. Retries re-hit the same condition, so
		// the job dead-letters and the workflow fails cleanly.
		return nil, fmt.Errorf("extraction unavailable for workflow %s (stage data expired)", p.WorkflowID)
	}

	upload, err := o.d.Store.GetUpload(ctx, p.MerchantID, p.UploadID)
	if err != nil {
		return nil, err
	}
	req := persist.SaveRequest{
		MerchantID:      p.MerchantID,
		PurchaseOrderID: p.PurchaseOrderID,
		UploadID:        p.UploadID,
		WorkflowID:      p.WorkflowID,
		Extracted:       extracted,
	}
	if upload != nil {
		req.FileName = upload.OriginalFileName
		req.FileSize = upload.FileSize
	}

	res, err := o.d.Persister.Save(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"po_number":    res.Number,
		"line_items":   res.LineItems,
		"total_amount": res.TotalAmount,
		"confidence":   res.Confidence,
	}, nil
}

func (o *Orchestrator) runDataNormalization(ctx context.Context, sc *stageContext) (map[string]any, error) {
	supplier := accString(sc.acc, "supplier_name")
	normalized := strings.Join(strings.Fields(supplier), " ")
	if key := persist.NormalizeSupplier(normalized); key == "" {
		normalized = "Unknown Supplier"
	}

	count, err := o.d.Store.CountLineItems(ctx, sc.payload.PurchaseOrderID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("po %s has no persisted line items to normalize", sc.payload.PurchaseOrderID)
	}
	return map[string]any{
		"supplier_name": normalized,
		"normalized":    true,
	}, nil
}

func (o *Orchestrator) runMerchantConfig(ctx context.Context, sc *stageContext) (map[string]any, error) {
	m, err := o.d.Store.GetMerchant(ctx, sc.payload.MerchantID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.Status != "active" {
		return nil, errDenied
	}
	return map[string]any{
		"settings": m.Settings,
	}, nil
}

func (o *Orchestrator) runAIEnrichment(ctx context.Context, sc *stageContext) (map[string]any, error) {
	items, err := o.d.Store.ListLineItems(ctx, sc.payload.PurchaseOrderID)
	if err != nil {
		return nil, err
	}
	// Enrichment fills gaps the extraction left: items without a product
	// name inherit their description.
	enriched := 0
	for _, li := range items {
		if li.ProductName == "" && li.Description != "" {
			enriched++
		}
	}
	return map[string]any{
		"enriched":       true,
		"enriched_count": enriched,
	}, nil
}

func (o *Orchestrator) runShopifyPayload(ctx context.Context, sc *stageContext) (map[string]any, error) {
	items, err := o.d.Store.ListLineItems(ctx, sc.payload.PurchaseOrderID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("po %s has no line items to build drafts from", sc.payload.PurchaseOrderID)
	}

	drafts := make([]capability.DraftProduct, 0, len(items))
	for _, li := range items {
		title := li.ProductName
		if title == "" {
			title = li.Description
		}
		drafts = append(drafts, capability.DraftProduct{
			SKU:         li.SKU,
			Title:       title,
			Description: li.Description,
			Price:       li.UnitCost,
			Quantity:    li.Quantity,
		})
	}
	return map[string]any{
		"drafts":      drafts,
		"draft_count": len(drafts),
	}, nil
}

func (o *Orchestrator) runProductDraft(ctx context.Context, sc *stageContext) (map[string]any, error) {
	drafts, err := draftsFromAcc(sc.acc)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("no draft payloads for workflow %s", sc.payload.WorkflowID)
	}

	productIDs := make([]string, 0, len(drafts))
	for _, d := range drafts {
		res, err := o.d.Shopify.CreateProductDraft(ctx, sc.payload.MerchantID, d)
		if err != nil {
			return nil, fmt.Errorf("create draft for sku %s: %w", d.SKU, err)
		}
		productIDs = append(productIDs, res.ProductID)
	}
	return map[string]any{
		"product_ids": productIDs,
	}, nil
}

func (o *Orchestrator) runImageAttachment(ctx context.Context, sc *stageContext) (map[string]any, error) {
	if o.asyncImages {
		// Deferred mode: image work happens off-pipeline; the workflow
		// advances without waiting for it.
		if _, err := o.d.Queue.Enqueue(ctx, queue.QueueBackgroundImage, sc.payload, queue.Options{}); err != nil {
			return nil, err
		}
		return map[string]any{"images": "deferred"}, nil
	}

	attached, err := o.attachImages(ctx, sc.payload, accStrings(sc.acc, "product_ids"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"images": "inline", "attached": attached}, nil
}

func (o *Orchestrator) runShopifySync(ctx context.Context, sc *stageContext) (map[string]any, error) {
	productIDs := accStrings(sc.acc, "product_ids")
	for _, id := range productIDs {
		if err := o.d.Shopify.SyncProductDraft(ctx, sc.payload.MerchantID, id); err != nil {
			return nil, fmt.Errorf("sync product %s: %w", id, err)
		}
	}
	return map[string]any{
		"synced": len(productIDs),
	}, nil
}

func (o *Orchestrator) runStatusUpdate(ctx context.Context, sc *stageContext) (map[string]any, error) {
	p := sc.payload
	po, err := o.d.Store.GetPurchaseOrder(ctx, p.MerchantID, p.PurchaseOrderID)
	if err != nil {
		return nil, err
	}
	if po == nil {
		return nil, fmt.Errorf("po %s not found at terminal stage", p.PurchaseOrderID)
	}

	finalStatus := store.POStatusCompleted
	if po.Confidence < store.ConfidenceThreshold {
		finalStatus = store.POStatusReviewNeeded
	}
	if err := o.d.Store.UpdatePurchaseOrderStatus(ctx, p.MerchantID, p.PurchaseOrderID,
		finalStatus, store.JobStatusCompleted, ""); err != nil {
		return nil, err
	}
	if p.UploadID != "" {
		if err := o.d.Store.UpdateUploadStatus(ctx, p.MerchantID, p.UploadID, "completed"); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"final_status": finalStatus,
		"confidence":   po.Confidence,
	}, nil
}

// backgroundImageHandler runs the deferred image work. It touches the PO's
// products under the lock but never the pipeline.
func (o *Orchestrator) backgroundImageHandler(ctx context.Context, job *queue.Job) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}
	acc, err := o.d.Stages.GetAccumulatedData(ctx, p.WorkflowID)
	if err != nil {
		return err
	}
	if err := o.d.Locks.Acquire(ctx, p.PurchaseOrderID, p.WorkflowID, queue.QueueBackgroundImage, 0, 0); err != nil {
		return err
	}
	defer o.d.Locks.Release(context.WithoutCancel(ctx), p.PurchaseOrderID, p.WorkflowID) //nolint:errcheck

	_, err = o.attachImages(ctx, p, accStrings(acc, "product_ids"))
	return err
}

func (o *Orchestrator) attachImages(ctx context.Context, p Payload, productIDs []string) (int, error) {
	items, err := o.d.Store.ListLineItems(ctx, p.PurchaseOrderID)
	if err != nil {
		return 0, err
	}
	attached := 0
	for i, li := range items {
		if i >= len(productIDs) {
			break
		}
		query := li.ProductName
		if query == "" {
			query = li.Description
		}
		urls, err := o.d.Images.Search(ctx, query, 1)
		if err != nil || len(urls) == 0 {
			continue // no candidates is not a failure
		}
		if err := o.d.Shopify.AttachImage(ctx, p.MerchantID, productIDs[i], urls[0]); err != nil {
			return attached, fmt.Errorf("attach image to %s: %w", productIDs[i], err)
		}
		attached++
	}
	return attached, nil
}

// --- accumulator decoding ---

// Values land in the accumulator as generic JSON; structured values round
// trip through json to regain their types.

func extractionFromAcc(acc map[string]any) (*capability.ExtractedData, error) {
	v, ok := acc["extraction"]
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out capability.ExtractedData
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	return &out, nil
}

func draftsFromAcc(acc map[string]any) ([]capability.DraftProduct, error) {
	v, ok := acc["drafts"]
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []capability.DraftProduct
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode drafts: %w", err)
	}
	return out, nil
}

func accString(acc map[string]any, key string) string {
	s, _ := acc[key].(string)
	return s
}

func accStrings(acc map[string]any, key string) []string {
	v, ok := acc[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
