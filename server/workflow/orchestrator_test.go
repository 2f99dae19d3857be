package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shopdock/poflow/server/capability"
	"github.com/shopdock/poflow/server/persist"
	"github.com/shopdock/poflow/server/polock"
	"github.com/shopdock/poflow/server/progress"
	"github.com/shopdock/poflow/server/queue"
	"github.com/shopdock/poflow/server/stagestore"
	"github.com/shopdock/poflow/server/store"
)

const testCSV = "SKU,Description,Quantity,Price\n" +
	"KA-355,Kool Aid Soda Blue Raspberry 355 ml,Case of 12,4.50\n" +
	"CB-01,Single Candy Bar,1,0.99\n"

// fakePersister mirrors the persistence transaction against the in-memory
// store: PO row updated, line items replaced wholesale.
type fakePersister struct {
	db  *store.MemoryStore
	err error
}

func (f *fakePersister) Save(ctx context.Context, req persist.SaveRequest) (*persist.SaveResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	po, err := f.db.GetPurchaseOrder(ctx, req.MerchantID, req.PurchaseOrderID)
	if err != nil || po == nil {
		return nil, errors.New("po not found")
	}

	var items []*store.POLineItem
	var total float64
	for _, line := range req.Extracted.LineItems {
		qty := persist.ParseQuantity(line.Quantity)
		cost := float64(qty) * line.UnitCost
		total += cost
		items = append(items, &store.POLineItem{
			PurchaseOrderID: req.PurchaseOrderID,
			SKU:             line.SKU,
			ProductName:     line.ProductName,
			Quantity:        qty,
			UnitCost:        line.UnitCost,
			TotalCost:       cost,
		})
	}
	if len(items) == 0 {
		return nil, persist.ErrNoLineItems
	}

	if req.Extracted.Number != "" {
		po.Number = req.Extracted.Number
	}
	po.SupplierName = req.Extracted.SupplierName
	po.Confidence = req.Extracted.Confidence
	po.TotalAmount = total
	f.db.ReplacePO(po)
	f.db.PutLineItems(req.PurchaseOrderID, items)

	return &persist.SaveResult{
		Number:      po.Number,
		LineItems:   len(items),
		TotalAmount: total,
		Confidence:  req.Extracted.Confidence,
	}, nil
}

// fixedParser returns a canned extraction, or an error.
type fixedParser struct {
	data *capability.ExtractedData
	err  error
}

func (p *fixedParser) Parse(ctx context.Context, buffer []byte, mimeType string, settings map[string]string) (*capability.ExtractedData, error) {
	return p.data, p.err
}

type testEnv struct {
	db      *store.MemoryStore
	runtime *queue.Runtime
	orch    *Orchestrator
}

// failingShopify rejects every draft creation, driving post-persistence
// stages into dead-letter.
type failingShopify struct{}

func (failingShopify) CreateProductDraft(ctx context.Context, merchantID string, p capability.DraftProduct) (*capability.DraftResult, error) {
	return nil, errors.New("shopify 502")
}

func (failingShopify) SyncProductDraft(ctx context.Context, merchantID, productID string) error {
	return errors.New("shopify 502")
}

func (failingShopify) AttachImage(ctx context.Context, merchantID, productID, imageURL string) error {
	return errors.New("shopify 502")
}

func newTestEnv(t *testing.T, parser capability.AIParser) *testEnv {
	t.Helper()
	return newTestEnvWith(t, parser, capability.NewLocalShopify())
}

func newTestEnvWith(t *testing.T, parser capability.AIParser, shopify capability.ShopifyClient) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DisableIndentity: true})
	subscriber := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DisableIndentity: true, PoolSize: 1})
	runtime, err := queue.NewWithClients(client, subscriber)
	if err != nil {
		t.Fatal(err)
	}

	db := store.NewMemoryStore()
	db.PutMerchant(&store.Merchant{MerchantID: "m1", ShopDomain: "m1.myshopify.com", Status: "active"})

	files := capability.NewRedisFileStore(rdb)
	orch := New(Deps{
		Store:     db,
		Queue:     runtime,
		Stages:    stagestore.New(rdb),
		Locks:     polock.NewManager(rdb),
		Progress:  progress.NewBus(rdb),
		Persister: &fakePersister{db: db},
		Files:     files,
		Parser:    parser,
		Shopify:   shopify,
		Images:    capability.NoImageSearcher{},
	}, false)

	if err := orch.RegisterHandlers(); err != nil {
		t.Fatal(err)
	}
	return &testEnv{db: db, runtime: runtime, orch: orch}
}

// seedPO creates the PO row, upload record and file body the ingest path
// would have written.
func (e *testEnv) seedPO(t *testing.T, ctx context.Context, poID, uploadID string) {
	t.Helper()
	if err := e.db.CreatePurchaseOrder(ctx, &store.PurchaseOrder{
		PurchaseOrderID: poID,
		MerchantID:      "m1",
		Number:          "PO-12345",
		Status:          store.POStatusProcessing,
		JobStatus:       store.JobStatusPending,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.orch.d.Files.Put(ctx, uploadID, []byte(testCSV), "text/csv"); err != nil {
		t.Fatal(err)
	}
	if err := e.db.CreateUpload(ctx, &store.Upload{
		UploadID:         uploadID,
		MerchantID:       "m1",
		OriginalFileName: "order.csv",
		FileSize:         int64(len(testCSV)),
		MimeType:         "text/csv",
		Status:           "uploaded",
		Metadata:         map[string]string{store.MetaPurchaseOrderID: poID},
	}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) waitForWorkflow(t *testing.T, ctx context.Context, workflowID string, want string) *store.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		we, err := e.db.GetWorkflowExecution(ctx, workflowID)
		if err != nil {
			t.Fatal(err)
		}
		if we != nil && we.Status == want {
			return we
		}
		time.Sleep(50 * time.Millisecond)
	}
	we, _ := e.db.GetWorkflowExecution(ctx, workflowID)
	t.Fatalf("workflow never reached %s, last state: %+v", want, we)
	return nil
}

func TestWorkflowHappyPath(t *testing.T) {
	env := newTestEnv(t, capability.NewCSVParser())
	ctx := context.Background()
	env.seedPO(t, ctx, "po-1", "up-1")

	env.runtime.Start(ctx)
	defer env.runtime.Stop()

	wfID, err := env.orch.StartWorkflow(ctx, "m1", "po-1", "up-1")
	if err != nil {
		t.Fatal(err)
	}

	we := env.waitForWorkflow(t, ctx, wfID, store.WorkflowCompleted)
	if we.ProgressPercent != 100 || we.StagesCompleted != len(Pipeline) {
		t.Errorf("progress = %d%% (%d stages), want 100%% (%d)", we.ProgressPercent, we.StagesCompleted, len(Pipeline))
	}

	po, err := env.db.GetPurchaseOrder(ctx, "m1", "po-1")
	if err != nil {
		t.Fatal(err)
	}
	// Deterministic CSV parsing reports full confidence, above the review
	// threshold.
	if po.Status != store.POStatusCompleted {
		t.Errorf("po status = %s, want completed", po.Status)
	}
	if po.JobStatus != store.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", po.JobStatus)
	}

	items, _ := env.db.ListLineItems(ctx, "po-1")
	if len(items) != 2 {
		t.Fatalf("line items = %d, want 2", len(items))
	}
	if items[0].Quantity != 12 {
		t.Errorf("pack-size quantity = %d, want 12", items[0].Quantity)
	}

	upload, _ := env.db.GetUpload(ctx, "m1", "up-1")
	if upload.Status != "completed" {
		t.Errorf("upload status = %s, want completed", upload.Status)
	}
	if upload.Metadata[store.MetaWorkflowID] != wfID {
		t.Errorf("upload metadata workflowId = %q, want %s", upload.Metadata[store.MetaWorkflowID], wfID)
	}
}

func TestWorkflowLowConfidenceNeedsReview(t *testing.T) {
	parser := &fixedParser{data: &capability.ExtractedData{
		Number:       "3541",
		SupplierName: "Acme",
		Confidence:   0.55,
		LineItems: []capability.ExtractedLine{
			{SKU: "A-1", ProductName: "Widget", Quantity: "2", UnitCost: 3},
		},
	}}
	env := newTestEnv(t, parser)
	ctx := context.Background()
	env.seedPO(t, ctx, "po-1", "up-1")

	env.runtime.Start(ctx)
	defer env.runtime.Stop()

	wfID, err := env.orch.StartWorkflow(ctx, "m1", "po-1", "up-1")
	if err != nil {
		t.Fatal(err)
	}
	env.waitForWorkflow(t, ctx, wfID, store.WorkflowCompleted)

	po, _ := env.db.GetPurchaseOrder(ctx, "m1", "po-1")
	if po.Status != store.POStatusReviewNeeded {
		t.Errorf("po status = %s, want review_needed below the confidence threshold", po.Status)
	}
}

func TestWorkflowFailsAfterExhaustedAttempts(t *testing.T) {
	env := newTestEnv(t, &fixedParser{err: errors.New("model unavailable")})
	ctx := context.Background()
	env.seedPO(t, ctx, "po-1", "up-1")

	env.runtime.Start(ctx)
	defer env.runtime.Stop()

	wfID, err := env.orch.StartWorkflow(ctx, "m1", "po-1", "up-1")
	if err != nil {
		t.Fatal(err)
	}

	we := env.waitForWorkflow(t, ctx, wfID, store.WorkflowFailed)
	if we.FailedStage != queue.QueueAIParsing {
		t.Errorf("failed stage = %s, want ai_parsing", we.FailedStage)
	}
	if !strings.Contains(we.ErrorMessage, "model unavailable") {
		t.Errorf("error message = %q", we.ErrorMessage)
	}

	po, _ := env.db.GetPurchaseOrder(ctx, "m1", "po-1")
	if po.Status != store.POStatusFailed || po.JobStatus != store.JobStatusFailed {
		t.Errorf("po = (%s, %s), want (failed, failed)", po.Status, po.JobStatus)
	}
}

func TestLateFailureLeavesPOForReconciler(t *testing.T) {
	env := newTestEnvWith(t, capability.NewCSVParser(), failingShopify{})
	ctx := context.Background()
	env.seedPO(t, ctx, "po-1", "up-1")

	env.runtime.Start(ctx)
	defer env.runtime.Stop()

	wfID, err := env.orch.StartWorkflow(ctx, "m1", "po-1", "up-1")
	if err != nil {
		t.Fatal(err)
	}

	we := env.waitForWorkflow(t, ctx, wfID, store.WorkflowFailed)
	if we.FailedStage != queue.QueueProductDraft {
		t.Errorf("failed stage = %s, want product_draft_creation", we.FailedStage)
	}

	// Data already landed before the failure: the PO must stay in processing
	// so the reconciler can close it out from the persisted line items.
	po, _ := env.db.GetPurchaseOrder(ctx, "m1", "po-1")
	if po.Status != store.POStatusProcessing {
		t.Errorf("po status = %s, want processing (recoverable)", po.Status)
	}
	items, _ := env.db.ListLineItems(ctx, "po-1")
	if len(items) != 2 {
		t.Errorf("line items = %d, want the persisted 2", len(items))
	}
}

func TestWorkflowDeniedForInactiveMerchant(t *testing.T) {
	env := newTestEnv(t, capability.NewCSVParser())
	ctx := context.Background()
	env.db.PutMerchant(&store.Merchant{MerchantID: "m1", ShopDomain: "m1.myshopify.com", Status: "inactive"})
	env.seedPO(t, ctx, "po-1", "up-1")

	env.runtime.Start(ctx)
	defer env.runtime.Stop()

	wfID, err := env.orch.StartWorkflow(ctx, "m1", "po-1", "up-1")
	if err != nil {
		t.Fatal(err)
	}

	we := env.waitForWorkflow(t, ctx, wfID, store.WorkflowFailed)
	if we.FailedStage != queue.QueueMerchantConfig {
		t.Errorf("failed stage = %s, want merchant_config", we.FailedStage)
	}

	po, _ := env.db.GetPurchaseOrder(ctx, "m1", "po-1")
	if po.Status != store.POStatusDenied {
		t.Errorf("po status = %s, want denied (terminal, no retries)", po.Status)
	}
}

func TestStartWorkflowConflictsWithActive(t *testing.T) {
	env := newTestEnv(t, capability.NewCSVParser())
	ctx := context.Background()
	env.seedPO(t, ctx, "po-1", "up-1")

	// Runtime not started: the first workflow stays pending.
	if _, err := env.orch.StartWorkflow(ctx, "m1", "po-1", "up-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.StartWorkflow(ctx, "m1", "po-1", "up-1"); !errors.Is(err, ErrWorkflowActive) {
		t.Fatalf("err = %v, want ErrWorkflowActive", err)
	}
}
