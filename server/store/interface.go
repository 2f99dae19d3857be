package store

import (
	"context"
	"time"
)

// Store defines the durable persistence backend. Every method that touches
// merchant-owned rows is scoped by merchantID; cross-merchant reads exist
// only for the reconciler sweeps.
//
// Getters return (nil, nil) when the row does not exist.
type Store interface {
	// Merchant operations (read-only for the core)
	GetMerchant(ctx context.Context, merchantID string) (*Merchant, error)
	GetMerchantByDomain(ctx context.Context, shopDomain string) (*Merchant, error)

	// Upload operations
	CreateUpload(ctx context.Context, upload *Upload) error
	GetUpload(ctx context.Context, merchantID string, uploadID string) (*Upload, error)
	UpdateUploadStatus(ctx context.Context, merchantID string, uploadID string, status string) error
	SetUploadMetadata(ctx context.Context, merchantID string, uploadID string, key, value string) error
	LatestUploadForPO(ctx context.Context, merchantID string, purchaseOrderID string) (*Upload, error)

	// Purchase order operations.
	// Note: the persistence stage owns PO + line-item writes and performs
	// them inside its own transaction, not through this interface. These
	// methods cover placeholder creation, status flips and reads.
	CreatePurchaseOrder(ctx context.Context, po *PurchaseOrder) error
	GetPurchaseOrder(ctx context.Context, merchantID string, purchaseOrderID string) (*PurchaseOrder, error)
	UpdatePurchaseOrderStatus(ctx context.Context, merchantID string, purchaseOrderID string, status, jobStatus, jobError string) error
	ListLineItems(ctx context.Context, purchaseOrderID string) ([]*POLineItem, error)
	CountLineItems(ctx context.Context, purchaseOrderID string) (int, error)

	// Workflow execution operations (orchestrator-owned writes)
	CreateWorkflowExecution(ctx context.Context, we *WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, workflowID string) (*WorkflowExecution, error)
	UpdateWorkflowExecution(ctx context.Context, we *WorkflowExecution) error
	ActiveWorkflowForPO(ctx context.Context, merchantID string, purchaseOrderID string) (*WorkflowExecution, error)

	// Reconciler sweeps (cross-merchant by design)
	ListStalledWorkflows(ctx context.Context, updatedBefore time.Time) ([]*WorkflowExecution, error)
	ListStalledPOsWithData(ctx context.Context, updatedBefore time.Time) ([]*PurchaseOrder, error)
	MarkWorkflowsCompletedForPO(ctx context.Context, purchaseOrderID string, finalStage string) (int, error)
}
