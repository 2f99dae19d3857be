package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopdock/poflow/server/capability"
	"github.com/shopdock/poflow/server/dbgateway"
	"github.com/shopdock/poflow/server/observability"
	"github.com/shopdock/poflow/server/polock"
	"github.com/shopdock/poflow/server/store"
)

// Querier is the subset of pgx.Tx the save path needs. Tests substitute a
// fake; production passes the live transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNoLineItems aborts a save that would commit a PO with zero line items.
var ErrNoLineItems = errors.New("persist: refusing to commit purchase order with zero line items")

// SaveRequest carries one extraction result into the durable write path.
type SaveRequest struct {
	MerchantID      string
	PurchaseOrderID string
	UploadID        string
	WorkflowID      string
	FileName        string
	FileSize        int64
	Extracted       *capability.ExtractedData
}

// SaveResult reports what the transaction committed.
type SaveResult struct {
	Number      string
	Created     bool
	LineItems   int
	TotalAmount float64
	Confidence  float64
}

// Service is the transactional persistence layer. Every Save runs under the
// PO's advisory lock and inside a single gateway transaction; partial writes
// never become visible.
type Service struct {
	gw    *dbgateway.Gateway
	locks *polock.Manager
}

func NewService(gw *dbgateway.Gateway, locks *polock.Manager) *Service {
	return &Service{gw: gw, locks: locks}
}

// Save persists the extracted data: upsert the PO row, replace all line
// items, write the audit record, and verify the line item count before
// commit. Retries are the caller's (the queue's) responsibility.
func (s *Service) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	if req.Extracted == nil {
		return nil, errors.New("persist: nil extraction")
	}

	// Pre-transaction work that may be slow: canonicalize the supplier name
	// against suppliers this merchant has seen before, outside the lock and
	// the transaction.
	if canonical := s.matchKnownSupplier(ctx, req.MerchantID, req.Extracted.SupplierName); canonical != "" && canonical != req.Extracted.SupplierName {
		log.Printf("[PERSIST] po %s: supplier %q canonicalized to %q", req.PurchaseOrderID, req.Extracted.SupplierName, canonical)
		ex := *req.Extracted
		ex.SupplierName = canonical
		req.Extracted = &ex
	}

	if err := s.locks.Acquire(ctx, req.PurchaseOrderID, req.WorkflowID, "database_save", 0, 0); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), req.PurchaseOrderID, req.WorkflowID); err != nil {
			log.Printf("[PERSIST] release lock for po %s: %v", req.PurchaseOrderID, err)
		}
	}()

	start := time.Now()
	var result *SaveResult
	err := s.gw.Transaction(ctx, dbgateway.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		result, err = s.runSave(ctx, tx, req)
		return err
	})
	observability.TransactionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	log.Printf("[PERSIST] po %s saved: number=%s items=%d total=%.2f created=%t",
		req.PurchaseOrderID, result.Number, result.LineItems, result.TotalAmount, result.Created)
	return result, nil
}

// matchKnownSupplier loads the merchant's previously seen supplier names and
// returns the canonical spelling whose normalized form matches the extracted
// one, or "" when none does. Best-effort: a lookup failure never blocks the
// save.
func (s *Service) matchKnownSupplier(ctx context.Context, merchantID, extracted string) string {
	if extracted == "" || s.gw == nil {
		return ""
	}
	var known []string
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx,
			`SELECT DISTINCT supplier_name FROM purchase_orders WHERE merchant_id = $1 AND supplier_name <> ''`,
			merchantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		known = known[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			known = append(known, name)
		}
		return rows.Err()
	})
	if err != nil {
		log.Printf("[PERSIST] supplier lookup for merchant %s: %v", merchantID, err)
		return ""
	}
	return MatchSupplier(known, extracted)
}

// runSave is the transaction body, factored over Querier for tests.
func (s *Service) runSave(ctx context.Context, q Querier, req SaveRequest) (*SaveResult, error) {
	ex := req.Extracted

	items, totalAmount := buildLineItems(req.PurchaseOrderID, ex)
	if len(items) == 0 {
		return nil, ErrNoLineItems
	}

	incumbent, exists, err := currentNumber(ctx, q, req.MerchantID, req.PurchaseOrderID)
	if err != nil {
		return nil, err
	}

	number, err := s.chooseNumber(ctx, q, req, incumbent, exists)
	if err != nil {
		return nil, err
	}

	orderDate := parseDate(ex.OrderDate)
	dueDate := parseDate(ex.DueDate)
	rawData, err := json.Marshal(ex)
	if err != nil {
		return nil, fmt.Errorf("persist: encode raw extraction: %w", err)
	}

	if exists {
		_, err = q.Exec(ctx, `
			UPDATE purchase_orders
			SET number = $1, supplier_name = $2, order_date = $3, due_date = $4,
				total_amount = $5, currency = $6, confidence = $7,
				job_status = $8, job_error = '', raw_data = $9,
				file_name = $10, file_size = $11, updated_at = NOW()
			WHERE purchase_order_id = $12 AND merchant_id = $13`,
			number, ex.SupplierName, orderDate, dueDate,
			totalAmount, currencyOrDefault(ex.Currency), ex.Confidence,
			store.JobStatusRunning, rawData,
			req.FileName, req.FileSize,
			req.PurchaseOrderID, req.MerchantID,
		)
	} else {
		_, err = q.Exec(ctx, `
			INSERT INTO purchase_orders (purchase_order_id, merchant_id, number, supplier_name,
				order_date, due_date, total_amount, currency, status, confidence,
				job_status, job_error, raw_data, file_name, file_size, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '', $12, $13, $14, NOW(), NOW())`,
			req.PurchaseOrderID, req.MerchantID, number, ex.SupplierName,
			orderDate, dueDate, totalAmount, currencyOrDefault(ex.Currency),
			store.POStatusProcessing, ex.Confidence,
			store.JobStatusRunning, rawData, req.FileName, req.FileSize,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("persist: write po row: %w", err)
	}

	// Replace-all: stale rows from a prior attempt must not survive.
	if _, err := q.Exec(ctx, `DELETE FROM po_line_items WHERE purchase_order_id = $1`, req.PurchaseOrderID); err != nil {
		return nil, fmt.Errorf("persist: clear line items: %w", err)
	}
	for _, li := range items {
		liRaw, err := json.Marshal(li.RawData)
		if err != nil {
			return nil, err
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO po_line_items (line_item_id, purchase_order_id, sku, product_name,
				description, quantity, unit_cost, total_cost, confidence, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			li.LineItemID, li.PurchaseOrderID, li.SKU, li.ProductName,
			li.Description, li.Quantity, li.UnitCost, li.TotalCost, li.Confidence, liRaw,
		); err != nil {
			return nil, fmt.Errorf("persist: insert line item %s: %w", li.SKU, err)
		}
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO extraction_audit (audit_id, merchant_id, purchase_order_id, upload_id, confidence, raw_payload_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.NewString(), req.MerchantID, req.PurchaseOrderID, req.UploadID, ex.Confidence, "po:"+req.PurchaseOrderID,
	); err != nil {
		return nil, fmt.Errorf("persist: write audit record: %w", err)
	}

	// Pre-commit verification: the rows written above must be visible in
	// this transaction. A zero count means the write path is broken; abort
	// rather than commit an empty PO.
	var count int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM po_line_items WHERE purchase_order_id = $1`, req.PurchaseOrderID).Scan(&count); err != nil {
		return nil, fmt.Errorf("persist: verify line items: %w", err)
	}
	if count == 0 {
		return nil, ErrNoLineItems
	}

	return &SaveResult{
		Number:      number,
		Created:     !exists,
		LineItems:   count,
		TotalAmount: totalAmount,
		Confidence:  ex.Confidence,
	}, nil
}

// chooseNumber applies the conflict policy. UPDATE keeps the incumbent
// number when the extracted one belongs to another PO; CREATE probes for a
// free suffix.
func (s *Service) chooseNumber(ctx context.Context, q Querier, req SaveRequest, incumbent string, exists bool) (string, error) {
	desired := req.Extracted.Number
	if exists {
		if desired == "" || desired == incumbent {
			return incumbent, nil
		}
		conflict, err := NumberConflicts(ctx, q, req.MerchantID, req.PurchaseOrderID, desired)
		if err != nil {
			return "", err
		}
		if conflict {
			log.Printf("[PERSIST] po %s: number %q taken, keeping %q", req.PurchaseOrderID, desired, incumbent)
			return incumbent, nil
		}
		return desired, nil
	}
	if desired == "" {
		desired = "PO-" + req.PurchaseOrderID
	}
	return ResolveNumber(ctx, q, req.MerchantID, desired)
}

func currentNumber(ctx context.Context, q Querier, merchantID, purchaseOrderID string) (string, bool, error) {
	var number string
	err := q.QueryRow(ctx,
		`SELECT number FROM purchase_orders WHERE purchase_order_id = $1 AND merchant_id = $2`,
		purchaseOrderID, merchantID,
	).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persist: load po row: %w", err)
	}
	return number, true, nil
}

// buildLineItems resolves quantities and recomputes every total from
// quantity and unit cost; extracted totals are never trusted. A blank
// quantity falls back to pack-size phrases in the product name ("Case of
// 12"); a blank SKU gets a deterministic one derived from the name.
func buildLineItems(purchaseOrderID string, ex *capability.ExtractedData) ([]*store.POLineItem, float64) {
	items := make([]*store.POLineItem, 0, len(ex.LineItems))
	var totalAmount float64
	for _, line := range ex.LineItems {
		qtyRaw := strings.TrimSpace(line.Quantity)
		if qtyRaw == "" {
			qtyRaw = line.ProductName
		}
		qty := ParseQuantity(qtyRaw)
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			name := line.ProductName
			if name == "" {
				name = line.Description
			}
			sku = DeriveSKU(name)
		}
		total := float64(qty) * line.UnitCost
		totalAmount += total
		items = append(items, &store.POLineItem{
			LineItemID:      uuid.NewString(),
			PurchaseOrderID: purchaseOrderID,
			SKU:             sku,
			ProductName:     line.ProductName,
			Description:     line.Description,
			Quantity:        qty,
			UnitCost:        line.UnitCost,
			TotalCost:       total,
			Confidence:      line.Confidence,
			RawData:         line.Raw,
		})
	}
	return items, totalAmount
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "01/02/2006", "2006/01/02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func currencyOrDefault(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}
