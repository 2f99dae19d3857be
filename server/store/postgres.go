package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopdock/poflow/server/dbgateway"
)

// PostgresStore implements Store through the database gateway. Every call
// goes through RunRetryable: these are non-transactional reads/writes, so
// transient engine errors are recovered here. The persistence stage does
// NOT go through this type; it owns its own transaction.
type PostgresStore struct {
	gw *dbgateway.Gateway
}

func NewPostgresStore(gw *dbgateway.Gateway) *PostgresStore {
	return &PostgresStore{gw: gw}
}

// --- Merchant Operations ---

func (s *PostgresStore) GetMerchant(ctx context.Context, merchantID string) (*Merchant, error) {
	query := `
		SELECT merchant_id, shop_domain, status, settings, created_at
		FROM merchants WHERE merchant_id = $1
	`
	var m Merchant
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, merchantID).Scan(
			&m.MerchantID, &m.ShopDomain, &m.Status, &m.Settings, &m.CreatedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetMerchantByDomain(ctx context.Context, shopDomain string) (*Merchant, error) {
	query := `
		SELECT merchant_id, shop_domain, status, settings, created_at
		FROM merchants WHERE shop_domain = $1
	`
	var m Merchant
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, shopDomain).Scan(
			&m.MerchantID, &m.ShopDomain, &m.Status, &m.Settings, &m.CreatedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Upload Operations ---

func (s *PostgresStore) CreateUpload(ctx context.Context, u *Upload) error {
	query := `
		INSERT INTO uploads (upload_id, merchant_id, file_name, original_file_name, file_size, mime_type, file_url, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	return s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, query,
			u.UploadID, u.MerchantID, u.FileName, u.OriginalFileName, u.FileSize,
			u.MimeType, u.FileURL, u.Status, u.Metadata,
		)
		return err
	})
}

func (s *PostgresStore) GetUpload(ctx context.Context, merchantID, uploadID string) (*Upload, error) {
	query := `
		SELECT upload_id, merchant_id, file_name, original_file_name, file_size, mime_type, file_url, status, metadata, created_at
		FROM uploads WHERE upload_id = $1 AND merchant_id = $2
	`
	var u Upload
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, uploadID, merchantID).Scan(
			&u.UploadID, &u.MerchantID, &u.FileName, &u.OriginalFileName, &u.FileSize,
			&u.MimeType, &u.FileURL, &u.Status, &u.Metadata, &u.CreatedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUploadStatus(ctx context.Context, merchantID, uploadID, status string) error {
	query := `UPDATE uploads SET status = $1 WHERE upload_id = $2 AND merchant_id = $3`
	return s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, query, status, uploadID, merchantID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New("upload not found")
		}
		return nil
	})
}

func (s *PostgresStore) SetUploadMetadata(ctx context.Context, merchantID, uploadID, key, value string) error {
	query := `
		UPDATE uploads SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), ARRAY[$1], to_jsonb($2::text))
		WHERE upload_id = $3 AND merchant_id = $4
	`
	return s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, query, key, value, uploadID, merchantID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New("upload not found")
		}
		return nil
	})
}

func (s *PostgresStore) LatestUploadForPO(ctx context.Context, merchantID, purchaseOrderID string) (*Upload, error) {
	query := `
		SELECT upload_id, merchant_id, file_name, original_file_name, file_size, mime_type, file_url, status, metadata, created_at
		FROM uploads
		WHERE merchant_id = $1 AND metadata->>'purchaseOrderId' = $2
		ORDER BY created_at DESC LIMIT 1
	`
	var u Upload
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, merchantID, purchaseOrderID).Scan(
			&u.UploadID, &u.MerchantID, &u.FileName, &u.OriginalFileName, &u.FileSize,
			&u.MimeType, &u.FileURL, &u.Status, &u.Metadata, &u.CreatedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Purchase Order Operations ---

func (s *PostgresStore) CreatePurchaseOrder(ctx context.Context, po *PurchaseOrder) error {
	query := `
		INSERT INTO purchase_orders (purchase_order_id, merchant_id, number, supplier_name, order_date, due_date,
			total_amount, currency, status, confidence, job_status, job_error, raw_data, file_name, file_size,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
	`
	return s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, query,
			po.PurchaseOrderID, po.MerchantID, po.Number, po.SupplierName, po.OrderDate, po.DueDate,
			po.TotalAmount, po.Currency, po.Status, po.Confidence, po.JobStatus, po.JobError,
			po.RawData, po.FileName, po.FileSize,
		)
		return err
	})
}

func (s *PostgresStore) GetPurchaseOrder(ctx context.Context, merchantID, purchaseOrderID string) (*PurchaseOrder, error) {
	query := `
		SELECT purchase_order_id, merchant_id, number, supplier_name, order_date, due_date, total_amount, currency,
			status, confidence, job_status, job_error, raw_data, file_name, file_size, created_at, updated_at, completed_at
		FROM purchase_orders WHERE purchase_order_id = $1 AND merchant_id = $2
	`
	var po PurchaseOrder
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, purchaseOrderID, merchantID).Scan(
			&po.PurchaseOrderID, &po.MerchantID, &po.Number, &po.SupplierName, &po.OrderDate, &po.DueDate,
			&po.TotalAmount, &po.Currency, &po.Status, &po.Confidence, &po.JobStatus, &po.JobError,
			&po.RawData, &po.FileName, &po.FileSize, &po.CreatedAt, &po.UpdatedAt, &po.CompletedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *PostgresStore) UpdatePurchaseOrderStatus(ctx context.Context, merchantID, purchaseOrderID, status, jobStatus, jobError string) error {
	query := `
		UPDATE purchase_orders
		SET status = $1,
			job_status = COALESCE(NULLIF($2, ''), job_status),
			job_error = $3,
			updated_at = NOW(),
			completed_at = CASE WHEN $1 IN ('completed', 'review_needed') THEN NOW() ELSE completed_at END
		WHERE purchase_order_id = $4 AND merchant_id = $5
	`
	return s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, query, status, jobStatus, jobError, purchaseOrderID, merchantID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New("purchase order not found")
		}
		return nil
	})
}

func (s *PostgresStore) ListLineItems(ctx context.Context, purchaseOrderID string) ([]*POLineItem, error) {
	query := `
		SELECT line_item_id, purchase_order_id, sku, product_name, description, quantity, unit_cost, total_cost, confidence, raw_data
		FROM po_line_items WHERE purchase_order_id = $1 ORDER BY line_item_id
	`
	var items []*POLineItem
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, query, purchaseOrderID)
		if err != nil {
			return err
		}
		defer rows.Close()
		items = items[:0]
		for rows.Next() {
			var li POLineItem
			if err := rows.Scan(
				&li.LineItemID, &li.PurchaseOrderID, &li.SKU, &li.ProductName, &li.Description,
				&li.Quantity, &li.UnitCost, &li.TotalCost, &li.Confidence, &li.RawData,
			); err != nil {
				return err
			}
			items = append(items, &li)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) CountLineItems(ctx context.Context, purchaseOrderID string) (int, error) {
	query := `SELECT COUNT(*) FROM po_line_items WHERE purchase_order_id = $1`
	var count int
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, purchaseOrderID).Scan(&count)
	})
	return count, err
}

// --- Workflow Execution Operations ---

func (s *PostgresStore) CreateWorkflowExecution(ctx context.Context, we *WorkflowExecution) error {
	query := `
		INSERT INTO workflow_executions (workflow_id, purchase_order_id, merchant_id, status, current_stage,
			failed_stage, progress_percent, stages_completed, stage_errors, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`
	return s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, query,
			we.WorkflowID, we.PurchaseOrderID, we.MerchantID, we.Status, we.CurrentStage,
			we.FailedStage, we.ProgressPercent, we.StagesCompleted, we.StageErrors, we.ErrorMessage,
		)
		return err
	})
}

func (s *PostgresStore) GetWorkflowExecution(ctx context.Context, workflowID string) (*WorkflowExecution, error) {
	query := `
		SELECT workflow_id, purchase_order_id, merchant_id, status, current_stage, failed_stage,
			progress_percent, stages_completed, stage_errors, error_message, created_at, updated_at, completed_at
		FROM workflow_executions WHERE workflow_id = $1
	`
	var we WorkflowExecution
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, workflowID).Scan(
			&we.WorkflowID, &we.PurchaseOrderID, &we.MerchantID, &we.Status, &we.CurrentStage, &we.FailedStage,
			&we.ProgressPercent, &we.StagesCompleted, &we.StageErrors, &we.ErrorMessage,
			&we.CreatedAt, &we.UpdatedAt, &we.CompletedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &we, nil
}

func (s *PostgresStore) UpdateWorkflowExecution(ctx context.Context, we *WorkflowExecution) error {
	// updated_at advances on every call; the reconciler reads it as the
	// liveness signal.
	query := `
		UPDATE workflow_executions
		SET status = $1, current_stage = $2, failed_stage = $3, progress_percent = $4,
			stages_completed = $5, stage_errors = $6, error_message = $7,
			updated_at = NOW(),
			completed_at = CASE WHEN $1 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
		WHERE workflow_id = $8
	`
	return s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, query,
			we.Status, we.CurrentStage, we.FailedStage, we.ProgressPercent,
			we.StagesCompleted, we.StageErrors, we.ErrorMessage, we.WorkflowID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New("workflow not found")
		}
		return nil
	})
}

func (s *PostgresStore) ActiveWorkflowForPO(ctx context.Context, merchantID, purchaseOrderID string) (*WorkflowExecution, error) {
	query := `
		SELECT workflow_id, purchase_order_id, merchant_id, status, current_stage, failed_stage,
			progress_percent, stages_completed, stage_errors, error_message, created_at, updated_at, completed_at
		FROM workflow_executions
		WHERE merchant_id = $1 AND purchase_order_id = $2 AND status IN ('pending', 'processing')
		ORDER BY created_at DESC LIMIT 1
	`
	var we WorkflowExecution
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, merchantID, purchaseOrderID).Scan(
			&we.WorkflowID, &we.PurchaseOrderID, &we.MerchantID, &we.Status, &we.CurrentStage, &we.FailedStage,
			&we.ProgressPercent, &we.StagesCompleted, &we.StageErrors, &we.ErrorMessage,
			&we.CreatedAt, &we.UpdatedAt, &we.CompletedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &we, nil
}

// --- Reconciler Sweeps ---

func (s *PostgresStore) ListStalledWorkflows(ctx context.Context, updatedBefore time.Time) ([]*WorkflowExecution, error) {
	query := `
		SELECT workflow_id, purchase_order_id, merchant_id, status, current_stage, failed_stage,
			progress_percent, stages_completed, stage_errors, error_message, created_at, updated_at, completed_at
		FROM workflow_executions
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC
	`
	var out []*WorkflowExecution
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, query, updatedBefore)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var we WorkflowExecution
			if err := rows.Scan(
				&we.WorkflowID, &we.PurchaseOrderID, &we.MerchantID, &we.Status, &we.CurrentStage, &we.FailedStage,
				&we.ProgressPercent, &we.StagesCompleted, &we.StageErrors, &we.ErrorMessage,
				&we.CreatedAt, &we.UpdatedAt, &we.CompletedAt,
			); err != nil {
				return err
			}
			out = append(out, &we)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListStalledPOsWithData(ctx context.Context, updatedBefore time.Time) ([]*PurchaseOrder, error) {
	query := `
		SELECT po.purchase_order_id, po.merchant_id, po.number, po.supplier_name, po.order_date, po.due_date,
			po.total_amount, po.currency, po.status, po.confidence, po.job_status, po.job_error, po.raw_data,
			po.file_name, po.file_size, po.created_at, po.updated_at, po.completed_at
		FROM purchase_orders po
		WHERE po.status = 'processing' AND po.updated_at < $1
			AND EXISTS (SELECT 1 FROM po_line_items li WHERE li.purchase_order_id = po.purchase_order_id)
		ORDER BY po.updated_at ASC
	`
	var out []*PurchaseOrder
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, query, updatedBefore)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var po PurchaseOrder
			if err := rows.Scan(
				&po.PurchaseOrderID, &po.MerchantID, &po.Number, &po.SupplierName, &po.OrderDate, &po.DueDate,
				&po.TotalAmount, &po.Currency, &po.Status, &po.Confidence, &po.JobStatus, &po.JobError,
				&po.RawData, &po.FileName, &po.FileSize, &po.CreatedAt, &po.UpdatedAt, &po.CompletedAt,
			); err != nil {
				return err
			}
			out = append(out, &po)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) MarkWorkflowsCompletedForPO(ctx context.Context, purchaseOrderID, finalStage string) (int, error) {
	query := `
		UPDATE workflow_executions
		SET status = 'completed', current_stage = $1, progress_percent = 100, updated_at = NOW(), completed_at = NOW()
		WHERE purchase_order_id = $2 AND status NOT IN ('completed', 'failed')
	`
	var n int
	err := s.gw.RunRetryable(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, query, finalStage, purchaseOrderID)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}
