package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Used by tests and as the backing
// store in dev mode when no database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	merchants map[string]*Merchant
	uploads   map[string]*Upload
	pos       map[string]*PurchaseOrder
	lineItems map[string][]*POLineItem // keyed by purchaseOrderID
	workflows map[string]*WorkflowExecution
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		merchants: make(map[string]*Merchant),
		uploads:   make(map[string]*Upload),
		pos:       make(map[string]*PurchaseOrder),
		lineItems: make(map[string][]*POLineItem),
		workflows: make(map[string]*WorkflowExecution),
	}
}

// --- Merchant Operations ---

// PutMerchant seeds a merchant (test helper; install flows are external).
func (s *MemoryStore) PutMerchant(m *Merchant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchants[m.MerchantID] = m
}

func (s *MemoryStore) GetMerchant(ctx context.Context, merchantID string) (*Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.merchants[merchantID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMerchantByDomain(ctx context.Context, shopDomain string) (*Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.merchants {
		if m.ShopDomain == shopDomain {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

// --- Upload Operations ---

func (s *MemoryStore) CreateUpload(ctx context.Context, u *Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Metadata == nil {
		u.Metadata = make(map[string]string)
	}
	cp := *u
	s.uploads[u.UploadID] = &cp
	return nil
}

func (s *MemoryStore) GetUpload(ctx context.Context, merchantID, uploadID string) (*Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[uploadID]
	if !ok || u.MerchantID != merchantID {
		return nil, nil
	}
	cp := *u
	cp.Metadata = copyMap(u.Metadata)
	return &cp, nil
}

func (s *MemoryStore) UpdateUploadStatus(ctx context.Context, merchantID, uploadID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok || u.MerchantID != merchantID {
		return errors.New("upload not found")
	}
	u.Status = status
	return nil
}

func (s *MemoryStore) SetUploadMetadata(ctx context.Context, merchantID, uploadID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok || u.MerchantID != merchantID {
		return errors.New("upload not found")
	}
	if u.Metadata == nil {
		u.Metadata = make(map[string]string)
	}
	u.Metadata[key] = value
	return nil
}

func (s *MemoryStore) LatestUploadForPO(ctx context.Context, merchantID, purchaseOrderID string) (*Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Upload
	for _, u := range s.uploads {
		if u.MerchantID != merchantID || u.Metadata[MetaPurchaseOrderID] != purchaseOrderID {
			continue
		}
		if latest == nil || u.CreatedAt.After(latest.CreatedAt) {
			latest = u
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	cp.Metadata = copyMap(latest.Metadata)
	return &cp, nil
}

// --- Purchase Order Operations ---

func (s *MemoryStore) CreatePurchaseOrder(ctx context.Context, po *PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pos {
		if existing.MerchantID == po.MerchantID && existing.Number == po.Number {
			return errors.New("duplicate (merchant_id, number)")
		}
	}
	now := time.Now().UTC()
	if po.CreatedAt.IsZero() {
		po.CreatedAt = now
	}
	po.UpdatedAt = now
	cp := *po
	s.pos[po.PurchaseOrderID] = &cp
	return nil
}

func (s *MemoryStore) GetPurchaseOrder(ctx context.Context, merchantID, purchaseOrderID string) (*PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	po, ok := s.pos[purchaseOrderID]
	if !ok || po.MerchantID != merchantID {
		return nil, nil
	}
	cp := *po
	return &cp, nil
}

func (s *MemoryStore) UpdatePurchaseOrderStatus(ctx context.Context, merchantID, purchaseOrderID, status, jobStatus, jobError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	po, ok := s.pos[purchaseOrderID]
	if !ok || po.MerchantID != merchantID {
		return errors.New("purchase order not found")
	}
	po.Status = status
	if jobStatus != "" {
		po.JobStatus = jobStatus
	}
	po.JobError = jobError
	po.UpdatedAt = time.Now().UTC()
	if status == POStatusCompleted || status == POStatusReviewNeeded {
		t := po.UpdatedAt
		po.CompletedAt = &t
	}
	return nil
}

// ReplacePO overwrites a PO row in place (test helper mirroring the
// persistence stage's UPDATE path).
func (s *MemoryStore) ReplacePO(po *PurchaseOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	po.UpdatedAt = time.Now().UTC()
	cp := *po
	s.pos[po.PurchaseOrderID] = &cp
}

// TouchPO backdates UpdatedAt (test helper for stall scenarios).
func (s *MemoryStore) TouchPO(purchaseOrderID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if po, ok := s.pos[purchaseOrderID]; ok {
		po.UpdatedAt = t
	}
}

// PutLineItems replaces a PO's line items (test helper mirroring the
// persistence stage's replace-all semantics).
func (s *MemoryStore) PutLineItems(purchaseOrderID string, items []*POLineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]*POLineItem, len(items))
	for i, it := range items {
		c := *it
		cp[i] = &c
	}
	s.lineItems[purchaseOrderID] = cp
}

func (s *MemoryStore) ListLineItems(ctx context.Context, purchaseOrderID string) ([]*POLineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.lineItems[purchaseOrderID]
	out := make([]*POLineItem, len(items))
	for i, it := range items {
		c := *it
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) CountLineItems(ctx context.Context, purchaseOrderID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lineItems[purchaseOrderID]), nil
}

// --- Workflow Execution Operations ---

func (s *MemoryStore) CreateWorkflowExecution(ctx context.Context, we *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[we.WorkflowID]; exists {
		return errors.New("duplicate workflow id")
	}
	now := time.Now().UTC()
	if we.CreatedAt.IsZero() {
		we.CreatedAt = now
	}
	we.UpdatedAt = now
	if we.StageErrors == nil {
		we.StageErrors = make(map[string]string)
	}
	cp := *we
	cp.StageErrors = copyMap(we.StageErrors)
	s.workflows[we.WorkflowID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflowExecution(ctx context.Context, workflowID string) (*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	we, ok := s.workflows[workflowID]
	if !ok {
		return nil, nil
	}
	cp := *we
	cp.StageErrors = copyMap(we.StageErrors)
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkflowExecution(ctx context.Context, we *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[we.WorkflowID]; !ok {
		return errors.New("workflow not found")
	}
	we.UpdatedAt = time.Now().UTC()
	cp := *we
	cp.StageErrors = copyMap(we.StageErrors)
	s.workflows[we.WorkflowID] = &cp
	return nil
}

func (s *MemoryStore) ActiveWorkflowForPO(ctx context.Context, merchantID, purchaseOrderID string) (*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, we := range s.workflows {
		if we.MerchantID == merchantID && we.PurchaseOrderID == purchaseOrderID &&
			(we.Status == WorkflowPending || we.Status == WorkflowProcessing) {
			cp := *we
			return &cp, nil
		}
	}
	return nil, nil
}

// TouchWorkflow backdates UpdatedAt (test helper for stall scenarios).
func (s *MemoryStore) TouchWorkflow(workflowID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if we, ok := s.workflows[workflowID]; ok {
		we.UpdatedAt = t
	}
}

// --- Reconciler Sweeps ---

func (s *MemoryStore) ListStalledWorkflows(ctx context.Context, updatedBefore time.Time) ([]*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WorkflowExecution
	for _, we := range s.workflows {
		if we.Status == WorkflowProcessing && we.UpdatedAt.Before(updatedBefore) {
			cp := *we
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) ListStalledPOsWithData(ctx context.Context, updatedBefore time.Time) ([]*PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PurchaseOrder
	for _, po := range s.pos {
		if po.Status == POStatusProcessing && po.UpdatedAt.Before(updatedBefore) && len(s.lineItems[po.PurchaseOrderID]) > 0 {
			cp := *po
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkWorkflowsCompletedForPO(ctx context.Context, purchaseOrderID, finalStage string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, we := range s.workflows {
		if we.PurchaseOrderID == purchaseOrderID && we.Status != WorkflowCompleted && we.Status != WorkflowFailed {
			we.Status = WorkflowCompleted
			we.CurrentStage = finalStage
			we.ProgressPercent = 100
			we.UpdatedAt = now
			t := now
			we.CompletedAt = &t
			n++
		}
	}
	return n, nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
