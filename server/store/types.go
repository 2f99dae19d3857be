package store

import (
	"time"
)

// Merchant is a tenant of the integration. The core only reads merchants;
// install/uninstall flows mutate them elsewhere.
type Merchant struct {
	MerchantID string            `json:"merchant_id" db:"merchant_id"`
	ShopDomain string            `json:"shop_domain" db:"shop_domain"` // unique
	Status     string            `json:"status" db:"status"`           // "active", "inactive"
	Settings   map[string]string `json:"settings" db:"settings"`       // JSONB in Postgres
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// Upload is a received document. Never deleted; Metadata["purchaseOrderId"]
// is authoritative for downstream PO resolution.
type Upload struct {
	UploadID         string            `json:"upload_id" db:"upload_id"`
	MerchantID       string            `json:"merchant_id" db:"merchant_id"`
	FileName         string            `json:"file_name" db:"file_name"`
	OriginalFileName string            `json:"original_file_name" db:"original_file_name"`
	FileSize         int64             `json:"file_size" db:"file_size"`
	MimeType         string            `json:"mime_type" db:"mime_type"`
	FileURL          string            `json:"file_url" db:"file_url"`
	Status           string            `json:"status" db:"status"` // "uploaded", "processing", "completed", "failed"
	Metadata         map[string]string `json:"metadata" db:"metadata"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
}

// Upload metadata keys.
const (
	MetaPurchaseOrderID = "purchaseOrderId"
	MetaWorkflowID      = "workflowId"
)

// Purchase order statuses (the single field the UI consumes).
const (
	POStatusProcessing   = "processing"
	POStatusReviewNeeded = "review_needed"
	POStatusCompleted    = "completed"
	POStatusFailed       = "failed"
	POStatusDenied       = "denied"
)

// Job statuses on the PO row.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// ConfidenceThreshold decides completed vs review_needed at the terminal
// stage and in the reconciler's auto-fix pass.
const ConfidenceThreshold = 0.80

// PurchaseOrder is the durable aggregate a workflow produces.
// Uniqueness: (MerchantID, Number).
type PurchaseOrder struct {
	PurchaseOrderID string            `json:"purchase_order_id" db:"purchase_order_id"`
	MerchantID      string            `json:"merchant_id" db:"merchant_id"`
	Number          string            `json:"number" db:"number"`
	SupplierName    string            `json:"supplier_name" db:"supplier_name"`
	OrderDate       *time.Time        `json:"order_date" db:"order_date"`
	DueDate         *time.Time        `json:"due_date" db:"due_date"`
	TotalAmount     float64           `json:"total_amount" db:"total_amount"`
	Currency        string            `json:"currency" db:"currency"`
	Status          string            `json:"status" db:"status"`
	Confidence      float64           `json:"confidence" db:"confidence"`
	JobStatus       string            `json:"job_status" db:"job_status"`
	JobError        string            `json:"job_error" db:"job_error"`
	RawData         map[string]string `json:"raw_data" db:"raw_data"`
	FileName        string            `json:"file_name" db:"file_name"`
	FileSize        int64             `json:"file_size" db:"file_size"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at" db:"completed_at"`
}

// POLineItem is replaced wholesale by each successful persistence run.
type POLineItem struct {
	LineItemID      string            `json:"line_item_id" db:"line_item_id"`
	PurchaseOrderID string            `json:"purchase_order_id" db:"purchase_order_id"`
	SKU             string            `json:"sku" db:"sku"`
	ProductName     string            `json:"product_name" db:"product_name"`
	Description     string            `json:"description" db:"description"`
	Quantity        int               `json:"quantity" db:"quantity"`
	UnitCost        float64           `json:"unit_cost" db:"unit_cost"`
	TotalCost       float64           `json:"total_cost" db:"total_cost"`
	Confidence      float64           `json:"confidence" db:"confidence"`
	RawData         map[string]string `json:"raw_data" db:"raw_data"`
}

// Workflow execution statuses.
const (
	WorkflowPending    = "pending"
	WorkflowProcessing = "processing"
	WorkflowCompleted  = "completed"
	WorkflowFailed     = "failed"
)

// WorkflowExecution is the authoritative orchestration record.
// UpdatedAt must advance at every stage boundary; the reconciler uses it as
// the liveness signal.
type WorkflowExecution struct {
	WorkflowID      string            `json:"workflow_id" db:"workflow_id"`
	PurchaseOrderID string            `json:"purchase_order_id" db:"purchase_order_id"`
	MerchantID      string            `json:"merchant_id" db:"merchant_id"`
	Status          string            `json:"status" db:"status"`
	CurrentStage    string            `json:"current_stage" db:"current_stage"`
	FailedStage     string            `json:"failed_stage" db:"failed_stage"`
	ProgressPercent int               `json:"progress_percent" db:"progress_percent"`
	StagesCompleted int               `json:"stages_completed" db:"stages_completed"`
	StageErrors     map[string]string `json:"stage_errors" db:"stage_errors"`
	ErrorMessage    string            `json:"error_message" db:"error_message"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at" db:"completed_at"`
}

// SyncJob records a Shopify sync initiated by a workflow. Created by the
// persistence stage family; never mutated by orchestration.
type SyncJob struct {
	SyncJobID       string     `json:"sync_job_id" db:"sync_job_id"`
	MerchantID      string     `json:"merchant_id" db:"merchant_id"`
	PurchaseOrderID string     `json:"purchase_order_id" db:"purchase_order_id"`
	ProductID       string     `json:"product_id" db:"product_id"`
	VariantID       string     `json:"variant_id" db:"variant_id"`
	Status          string     `json:"status" db:"status"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time `json:"completed_at" db:"completed_at"`
}

// AuditRecord is the AI-extraction audit trail written alongside each
// successful persistence run.
type AuditRecord struct {
	AuditID         string    `json:"audit_id" db:"audit_id"`
	MerchantID      string    `json:"merchant_id" db:"merchant_id"`
	PurchaseOrderID string    `json:"purchase_order_id" db:"purchase_order_id"`
	UploadID        string    `json:"upload_id" db:"upload_id"`
	Confidence      float64   `json:"confidence" db:"confidence"`
	RawPayloadRef   string    `json:"raw_payload_ref" db:"raw_payload_ref"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
