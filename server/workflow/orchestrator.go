// Package workflow drives a purchase order document through the fixed stage
// pipeline. Stages communicate through the ephemeral stage store and the
// durable PO row; the workflow execution record is the single authoritative
// view of progress.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/shopdock/poflow/server/capability"
	"github.com/shopdock/poflow/server/observability"
	"github.com/shopdock/poflow/server/persist"
	"github.com/shopdock/poflow/server/polock"
	"github.com/shopdock/poflow/server/progress"
	"github.com/shopdock/poflow/server/queue"
	"github.com/shopdock/poflow/server/stagestore"
	"github.com/shopdock/poflow/server/store"
)

// Pipeline is the linear stage order. background_image_processing runs off
// the pipeline and never advances it.
var Pipeline = []string{
	queue.QueueAIParsing,
	queue.QueueDatabaseSave,
	queue.QueueDataNormalization,
	queue.QueueMerchantConfig,
	queue.QueueAIEnrichment,
	queue.QueueShopifyPayload,
	queue.QueueProductDraft,
	queue.QueueImageAttachment,
	queue.QueueShopifySync,
	queue.QueueStatusUpdate,
}

var (
	// ErrWorkflowActive means the PO already has a pending or processing
	// workflow; callers surface this as a conflict.
	ErrWorkflowActive = errors.New("workflow: purchase order already has an active workflow")

	// errDenied is terminal without retries: the merchant cannot process POs.
	errDenied = errors.New("workflow: merchant denied")
)

// Payload travels with every stage job.
type Payload struct {
	WorkflowID      string `json:"workflow_id"`
	MerchantID      string `json:"merchant_id"`
	PurchaseOrderID string `json:"purchase_order_id"`
	UploadID        string `json:"upload_id"`
}

// Persister is the durable write path for extracted data. Satisfied by
// persist.Service.
type Persister interface {
	Save(ctx context.Context, req persist.SaveRequest) (*persist.SaveResult, error)
}

// Deps are the collaborators stages invoke.
type Deps struct {
	Store     store.Store
	Queue     *queue.Runtime
	Stages    *stagestore.Store
	Locks     *polock.Manager
	Progress  *progress.Bus
	Persister Persister
	Files     capability.FileStore
	Parser    capability.AIParser
	Shopify   capability.ShopifyClient
	Images    capability.ImageSearcher
}

// Orchestrator owns workflow lifecycle and stage execution.
type Orchestrator struct {
	d           Deps
	asyncImages bool
}

func New(d Deps, asyncImages bool) *Orchestrator {
	return &Orchestrator{d: d, asyncImages: asyncImages}
}

// StartWorkflow creates the execution record and enqueues the first stage.
// A PO with an active workflow cannot start another.
func (o *Orchestrator) StartWorkflow(ctx context.Context, merchantID, purchaseOrderID, uploadID string) (string, error) {
	active, err := o.d.Store.ActiveWorkflowForPO(ctx, merchantID, purchaseOrderID)
	if err != nil {
		return "", err
	}
	if active != nil {
		return "", fmt.Errorf("%w: %s", ErrWorkflowActive, active.WorkflowID)
	}

	wfID := uuid.NewString()
	we := &store.WorkflowExecution{
		WorkflowID:      wfID,
		PurchaseOrderID: purchaseOrderID,
		MerchantID:      merchantID,
		Status:          store.WorkflowPending,
		CurrentStage:    queue.QueueAIParsing,
		StageErrors:     make(map[string]string),
	}
	if err := o.d.Store.CreateWorkflowExecution(ctx, we); err != nil {
		return "", err
	}
	if err := o.d.Store.SetUploadMetadata(ctx, merchantID, uploadID, store.MetaWorkflowID, wfID); err != nil {
		return "", err
	}

	p := Payload{WorkflowID: wfID, MerchantID: merchantID, PurchaseOrderID: purchaseOrderID, UploadID: uploadID}
	if _, err := o.d.Queue.Enqueue(ctx, queue.QueueAIParsing, p, queue.Options{}); err != nil {
		return "", err
	}

	observability.WorkflowsStarted.Inc()
	o.d.Progress.Publish(merchantID, progress.ChannelProgress, progress.Event{
		Type:            "workflow_started",
		WorkflowID:      wfID,
		PurchaseOrderID: purchaseOrderID,
		Stage:           queue.QueueAIParsing,
	})
	log.Printf("[WORKFLOW] %s started for po %s (upload %s)", wfID, purchaseOrderID, uploadID)
	return wfID, nil
}

// Requeue re-enters a workflow at a stage. Used by the reconciler; the
// normal path never calls it.
func (o *Orchestrator) Requeue(ctx context.Context, we *store.WorkflowExecution, stage string) error {
	upload, err := o.d.Store.LatestUploadForPO(ctx, we.MerchantID, we.PurchaseOrderID)
	if err != nil {
		return err
	}
	uploadID := ""
	if upload != nil {
		uploadID = upload.UploadID
	}
	p := Payload{
		WorkflowID:      we.WorkflowID,
		MerchantID:      we.MerchantID,
		PurchaseOrderID: we.PurchaseOrderID,
		UploadID:        uploadID,
	}
	_, err = o.d.Queue.Enqueue(ctx, stage, p, queue.Options{Priority: 1})
	return err
}

// RegisterHandlers binds every pipeline stage plus the off-pipeline image
// queue. Must run before the queue runtime starts.
func (o *Orchestrator) RegisterHandlers() error {
	for _, stage := range Pipeline {
		opts := []queue.RegisterOption{queue.WithDeadHandler(o.failWorkflow)}
		if stage == queue.QueueAIParsing || stage == queue.QueueAIEnrichment {
			// AI stages get a budget aligned with the parser's own timeout.
			opts = append(opts, queue.WithStallTimeout(5*time.Minute))
		}
		if err := o.d.Queue.Register(stage, o.stageHandler(stage), stageConcurrency(stage), opts...); err != nil {
			return err
		}
	}
	return o.d.Queue.Register(queue.QueueBackgroundImage, o.backgroundImageHandler, 2,
		queue.WithDeadHandler(func(job *queue.Job, lastErr error) {
			// Image processing is best-effort; the workflow is not failed.
			log.Printf("[WORKFLOW] background image job %s abandoned: %v", job.ID, lastErr)
		}))
}

func stageConcurrency(stage string) int {
	switch stage {
	case queue.QueueAIParsing, queue.QueueAIEnrichment:
		return 2
	case queue.QueueDatabaseSave:
		return 4
	default:
		return 3
	}
}

// stageHandler wraps one stage with the shared mechanics: payload decode,
// idempotency check, context load, locking for mutating stages, result
// persistence and pipeline advance.
func (o *Orchestrator) stageHandler(stage string) queue.Handler {
	def := stageDefs[stage]
	return func(ctx context.Context, job *queue.Job) error {
		var p Payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("workflow: decode %s payload: %w", stage, err)
		}

		we, err := o.d.Store.GetWorkflowExecution(ctx, p.WorkflowID)
		if err != nil {
			return err
		}
		if we == nil {
			return fmt.Errorf("workflow: unknown workflow %s", p.WorkflowID)
		}
		if we.Status == store.WorkflowCompleted || we.Status == store.WorkflowFailed {
			log.Printf("[WORKFLOW] %s: dropping stale %s delivery (status %s)", p.WorkflowID, stage, we.Status)
			return nil
		}

		sc := &stageContext{payload: p, job: job}
		sc.acc, err = o.loadContext(ctx, p)
		if err != nil {
			return err
		}

		start := time.Now()
		result, runErr := o.runStage(ctx, def, sc)
		observability.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())

		if errors.Is(runErr, errDenied) {
			return o.denyWorkflow(ctx, p, we, stage)
		}
		if runErr != nil {
			we.Status = store.WorkflowProcessing
			we.CurrentStage = stage
			if we.StageErrors == nil {
				we.StageErrors = make(map[string]string)
			}
			we.StageErrors[stage] = runErr.Error()
			if uerr := o.d.Store.UpdateWorkflowExecution(ctx, we); uerr != nil {
				log.Printf("[WORKFLOW] %s: record %s error: %v", p.WorkflowID, stage, uerr)
			}
			return runErr
		}

		if result == nil {
			result = map[string]any{}
		}
		if err := o.d.Stages.SaveStageResult(ctx, p.WorkflowID, stage, result); err != nil {
			return err
		}
		return o.advance(ctx, p, we, stage, result)
	}
}

// runStage executes the stage body, holding the PO lock for mutating stages.
// The lock is released before any progress publication in advance.
func (o *Orchestrator) runStage(ctx context.Context, def stageDef, sc *stageContext) (map[string]any, error) {
	if !def.mutating {
		return def.run(o, ctx, sc)
	}
	p := sc.payload
	if err := o.d.Locks.Acquire(ctx, p.PurchaseOrderID, p.WorkflowID, def.name, 0, 0); err != nil {
		return nil, err
	}
	defer func() {
		if err := o.d.Locks.Release(context.WithoutCancel(ctx), p.PurchaseOrderID, p.WorkflowID); err != nil {
			log.Printf("[WORKFLOW] %s: release lock after %s: %v", p.WorkflowID, def.name, err)
		}
	}()
	return def.run(o, ctx, sc)
}

// loadContext reads the accumulator, falling back to the durable PO row when
// the stage store has expired mid-workflow.
func (o *Orchestrator) loadContext(ctx context.Context, p Payload) (map[string]any, error) {
	acc, err := o.d.Stages.GetAccumulatedData(ctx, p.WorkflowID)
	if err != nil {
		return nil, err
	}
	if acc != nil {
		return acc, nil
	}
	po, err := o.d.Store.GetPurchaseOrder(ctx, p.MerchantID, p.PurchaseOrderID)
	if err != nil {
		return nil, err
	}
	if po == nil {
		return map[string]any{}, nil
	}
	return map[string]any{
		"po_number":     po.Number,
		"supplier_name": po.SupplierName,
		"confidence":    po.Confidence,
	}, nil
}

// advance moves the execution record one stage forward and enqueues the next
// stage, or closes the workflow after the terminal stage.
func (o *Orchestrator) advance(ctx context.Context, p Payload, we *store.WorkflowExecution, stage string, result map[string]any) error {
	idx := stageIndex(stage)
	we.StagesCompleted = idx + 1
	we.ProgressPercent = we.StagesCompleted * 100 / len(Pipeline)

	last := idx == len(Pipeline)-1
	if last {
		we.Status = store.WorkflowCompleted
		we.CurrentStage = stage
		we.ProgressPercent = 100
		if err := o.d.Store.UpdateWorkflowExecution(ctx, we); err != nil {
			return err
		}

		finalStatus, _ := result["final_status"].(string)
		if finalStatus == "" {
			finalStatus = store.POStatusCompleted
		}
		observability.WorkflowsCompleted.WithLabelValues(finalStatus).Inc()
		o.d.Progress.Publish(p.MerchantID, progress.ChannelCompletion, progress.Event{
			Type:            "workflow_completed",
			WorkflowID:      p.WorkflowID,
			PurchaseOrderID: p.PurchaseOrderID,
			Stage:           stage,
			ProgressPercent: 100,
			StagesCompleted: we.StagesCompleted,
			Message:         finalStatus,
		})
		if err := o.d.Stages.Clear(ctx, p.WorkflowID, Pipeline); err != nil {
			log.Printf("[WORKFLOW] %s: clear stage store: %v", p.WorkflowID, err)
		}
		log.Printf("[WORKFLOW] %s completed: po %s -> %s", p.WorkflowID, p.PurchaseOrderID, finalStatus)
		return nil
	}

	next := Pipeline[idx+1]
	we.Status = store.WorkflowProcessing
	we.CurrentStage = next
	if err := o.d.Store.UpdateWorkflowExecution(ctx, we); err != nil {
		return err
	}

	o.d.Progress.Publish(p.MerchantID, progress.ChannelStage, progress.Event{
		Type:            "stage_completed",
		WorkflowID:      p.WorkflowID,
		PurchaseOrderID: p.PurchaseOrderID,
		Stage:           stage,
		ProgressPercent: we.ProgressPercent,
		StagesCompleted: we.StagesCompleted,
	})
	_, err := o.d.Queue.Enqueue(ctx, next, p, queue.Options{})
	return err
}

// denyWorkflow closes a workflow whose merchant cannot process POs. Not a
// failure: denied is its own terminal state and is never retried.
func (o *Orchestrator) denyWorkflow(ctx context.Context, p Payload, we *store.WorkflowExecution, stage string) error {
	we.Status = store.WorkflowFailed
	we.FailedStage = stage
	we.ErrorMessage = "merchant denied"
	if err := o.d.Store.UpdateWorkflowExecution(ctx, we); err != nil {
		return err
	}
	if err := o.d.Store.UpdatePurchaseOrderStatus(ctx, p.MerchantID, p.PurchaseOrderID,
		store.POStatusDenied, store.JobStatusFailed, "merchant denied"); err != nil {
		log.Printf("[WORKFLOW] %s: mark po denied: %v", p.WorkflowID, err)
	}
	observability.WorkflowsCompleted.WithLabelValues(store.POStatusDenied).Inc()
	o.d.Progress.Publish(p.MerchantID, progress.ChannelError, progress.Event{
		Type:            "workflow_denied",
		WorkflowID:      p.WorkflowID,
		PurchaseOrderID: p.PurchaseOrderID,
		Stage:           stage,
		Error:           "merchant denied",
	})
	if err := o.d.Stages.Clear(ctx, p.WorkflowID, Pipeline); err != nil {
		log.Printf("[WORKFLOW] %s: clear stage store: %v", p.WorkflowID, err)
	}
	return nil
}

// failWorkflow runs after a stage job exhausts its attempts. It marks every
// durable record failed and emits the error event; by the time it runs the
// job's context is cancelled and its PO lock released.
func (o *Orchestrator) failWorkflow(job *queue.Job, lastErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		log.Printf("[WORKFLOW] dead %s job %s: undecodable payload: %v", job.Queue, job.ID, err)
		return
	}

	we, err := o.d.Store.GetWorkflowExecution(ctx, p.WorkflowID)
	if err != nil || we == nil {
		log.Printf("[WORKFLOW] dead %s job %s: load workflow %s: %v", job.Queue, job.ID, p.WorkflowID, err)
		return
	}
	if we.Status == store.WorkflowCompleted || we.Status == store.WorkflowFailed {
		return
	}

	we.Status = store.WorkflowFailed
	we.FailedStage = job.Queue
	we.ErrorMessage = lastErr.Error()
	if we.StageErrors == nil {
		we.StageErrors = make(map[string]string)
	}
	we.StageErrors[job.Queue] = lastErr.Error()
	if err := o.d.Store.UpdateWorkflowExecution(ctx, we); err != nil {
		log.Printf("[WORKFLOW] %s: mark failed: %v", p.WorkflowID, err)
	}

	// A PO whose line items already landed stays in processing: the
	// reconciler's auto-fix pass closes it out from the persisted data.
	count, cerr := o.d.Store.CountLineItems(ctx, p.PurchaseOrderID)
	if cerr != nil {
		log.Printf("[WORKFLOW] %s: count line items: %v", p.WorkflowID, cerr)
		count = 0
	}
	if count > 0 {
		log.Printf("[WORKFLOW] %s: po %s has %d persisted line items, leaving it for the reconciler", p.WorkflowID, p.PurchaseOrderID, count)
	} else if err := o.d.Store.UpdatePurchaseOrderStatus(ctx, p.MerchantID, p.PurchaseOrderID,
		store.POStatusFailed, store.JobStatusFailed, lastErr.Error()); err != nil {
		log.Printf("[WORKFLOW] %s: mark po failed: %v", p.WorkflowID, err)
	}
	if p.UploadID != "" {
		if err := o.d.Store.UpdateUploadStatus(ctx, p.MerchantID, p.UploadID, "failed"); err != nil {
			log.Printf("[WORKFLOW] %s: mark upload failed: %v", p.WorkflowID, err)
		}
	}

	observability.WorkflowsCompleted.WithLabelValues(store.POStatusFailed).Inc()
	o.d.Progress.Publish(p.MerchantID, progress.ChannelError, progress.Event{
		Type:            "workflow_failed",
		WorkflowID:      p.WorkflowID,
		PurchaseOrderID: p.PurchaseOrderID,
		Stage:           job.Queue,
		Error:           lastErr.Error(),
	})
	if err := o.d.Stages.Clear(ctx, p.WorkflowID, Pipeline); err != nil {
		log.Printf("[WORKFLOW] %s: clear stage store: %v", p.WorkflowID, err)
	}
	log.Printf("[WORKFLOW] %s failed at %s: %v", p.WorkflowID, job.Queue, lastErr)
}

func stageIndex(stage string) int {
	for i, s := range Pipeline {
		if s == stage {
			return i
		}
	}
	return -1
}
