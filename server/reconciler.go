package main

import (
	"context"
	"log"
	"time"

	"github.com/shopdock/poflow/server/observability"
	"github.com/shopdock/poflow/server/store"
	"github.com/shopdock/poflow/server/workflow"
)

// Reconciler is the cron safety net for workflows that died between stages.
// Pass 1 closes out POs whose data fully landed but whose terminal stage
// never ran; pass 2 re-queues everything else that stalled. It reads through
// the direct database endpoint so its scans never contend with the pooler.
type Reconciler struct {
	db   store.Store
	orch *workflow.Orchestrator

	startDelay  time.Duration
	interval    time.Duration
	staleCutoff time.Duration
}

func NewReconciler(db store.Store, orch *workflow.Orchestrator, startDelay, interval, staleCutoff time.Duration) *Reconciler {
	return &Reconciler{
		db:          db,
		orch:        orch,
		startDelay:  startDelay,
		interval:    interval,
		staleCutoff: staleCutoff,
	}
}

// Run ticks until ctx ends. The startup delay lets the queue runtime and
// database warmup settle before the first sweep.
func (r *Reconciler) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.startDelay):
	}
	log.Printf("[RECONCILER] started (interval %v, stale cutoff %v)", r.interval, r.staleCutoff)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// runOnce performs both passes. Every record is handled in isolation: one
// bad row never stops the sweep.
func (r *Reconciler) runOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.staleCutoff)
	fixed, requeued, failed := 0, 0, 0
	fixedPOs := make(map[string]bool)

	// Pass 1: POs stuck in processing with line items already persisted. The
	// work is done; only the terminal status flip is missing.
	pos, err := r.db.ListStalledPOsWithData(ctx, cutoff)
	if err != nil {
		log.Printf("[RECONCILER] list stalled pos: %v", err)
	} else {
		for _, po := range pos {
			if err := r.fixPO(ctx, po); err != nil {
				failed++
				log.Printf("[RECONCILER] fix po %s: %v", po.PurchaseOrderID, err)
				continue
			}
			fixedPOs[po.PurchaseOrderID] = true
			fixed++
		}
	}

	// Pass 2: stalled workflows whose POs still lack data get re-queued at
	// their recorded stage. POs fixed in pass 1 are done; POs that grew line
	// items since the scan belong to pass 1 on the next tick.
	wes, err := r.db.ListStalledWorkflows(ctx, cutoff)
	if err != nil {
		log.Printf("[RECONCILER] list stalled workflows: %v", err)
	} else {
		seen := make(map[string]bool)
		for _, we := range wes {
			if fixedPOs[we.PurchaseOrderID] || seen[we.PurchaseOrderID] {
				continue
			}
			seen[we.PurchaseOrderID] = true

			count, err := r.db.CountLineItems(ctx, we.PurchaseOrderID)
			if err != nil {
				failed++
				log.Printf("[RECONCILER] count line items for po %s: %v", we.PurchaseOrderID, err)
				continue
			}
			if count > 0 {
				continue
			}
			if err := r.requeue(ctx, we); err != nil {
				failed++
				log.Printf("[RECONCILER] requeue workflow %s: %v", we.WorkflowID, err)
				continue
			}
			requeued++
		}
	}

	if fixed > 0 || requeued > 0 || failed > 0 {
		log.Printf("[RECONCILER] sweep done: fixed=%d requeued=%d errors=%d", fixed, requeued, failed)
	}
}

// fixPO flips a stalled-but-complete PO to its terminal status and closes
// every open workflow on it.
func (r *Reconciler) fixPO(ctx context.Context, po *store.PurchaseOrder) error {
	finalStatus := store.POStatusCompleted
	if po.Confidence < store.ConfidenceThreshold {
		finalStatus = store.POStatusReviewNeeded
	}
	if err := r.db.UpdatePurchaseOrderStatus(ctx, po.MerchantID, po.PurchaseOrderID,
		finalStatus, store.JobStatusCompleted, ""); err != nil {
		return err
	}
	n, err := r.db.MarkWorkflowsCompletedForPO(ctx, po.PurchaseOrderID, "status_update")
	if err != nil {
		return err
	}
	observability.ReconcilerFixed.Inc()
	log.Printf("[RECONCILER] po %s auto-fixed -> %s (%d workflows closed)", po.PurchaseOrderID, finalStatus, n)
	return nil
}

// requeue re-enqueues a workflow at its recorded stage and touches the
// execution record so the next sweep does not pick it up again immediately.
func (r *Reconciler) requeue(ctx context.Context, we *store.WorkflowExecution) error {
	stage := we.CurrentStage
	if stage == "" {
		stage = workflow.Pipeline[0]
	}
	if err := r.orch.Requeue(ctx, we, stage); err != nil {
		return err
	}
	if err := r.db.UpdateWorkflowExecution(ctx, we); err != nil {
		return err
	}
	observability.ReconcilerRequeued.Inc()
	log.Printf("[RECONCILER] workflow %s re-queued at %s", we.WorkflowID, stage)
	return nil
}
