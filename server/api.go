package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/shopdock/poflow/server/capability"
	"github.com/shopdock/poflow/server/middleware"
	"github.com/shopdock/poflow/server/observability"
	"github.com/shopdock/poflow/server/queue"
	"github.com/shopdock/poflow/server/store"
	"github.com/shopdock/poflow/server/workflow"
)

// API holds the HTTP surface and its collaborators.
type API struct {
	db       store.Store
	orch     *workflow.Orchestrator
	runtime  *queue.Runtime
	files    capability.FileStore
	hub      *ProgressHub
	sessions *middleware.Sessions

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewAPI(db store.Store, orch *workflow.Orchestrator, runtime *queue.Runtime, files capability.FileStore, hub *ProgressHub, sessions *middleware.Sessions) *API {
	return &API{
		db:       db,
		orch:     orch,
		runtime:  runtime,
		files:    files,
		hub:      hub,
		sessions: sessions,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow applies the per-endpoint rate limit. Limits are process-wide, not
// per merchant; the upstream proxy handles per-client fairness.
func (a *API) allow(endpoint string) bool {
	a.limMu.Lock()
	lim, ok := a.limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(10), 20)
		a.limiters[endpoint] = lim
	}
	a.limMu.Unlock()

	if !lim.Allow() {
		observability.APIRateLimited.WithLabelValues(endpoint).Inc()
		return false
	}
	return true
}

// Routes binds every endpoint onto the mux. Session-authenticated routes go
// through the cookie middleware; the stream endpoint authenticates by shop
// domain instead (the embedded UI cannot always send cookies cross-site).
func (a *API) Routes(mux *http.ServeMux) {
	auth := a.sessions.Authenticate

	mux.HandleFunc("POST /auth/session", a.handleCreateSession)
	mux.Handle("POST /upload", auth(http.HandlerFunc(a.handleUpload)))
	mux.Handle("GET /purchase-orders/{id}", auth(http.HandlerFunc(a.handleGetPurchaseOrder)))
	mux.Handle("POST /purchase-orders/{id}/reprocess", auth(http.HandlerFunc(a.handleReprocess)))
	mux.Handle("GET /workflow/{id}/status", auth(http.HandlerFunc(a.handleGetWorkflow)))

	mux.HandleFunc("GET /realtime/events", a.handleSSE)
	mux.Handle("GET /realtime/ws", auth(http.HandlerFunc(a.handleWS)))

	mux.Handle("GET /queue-admin/status", auth(http.HandlerFunc(a.handleQueueStatus)))
	mux.Handle("GET /queue-admin/failed-jobs", auth(http.HandlerFunc(a.handleQueueFailed)))
	mux.Handle("POST /queue-admin/clean-failed", auth(http.HandlerFunc(a.handleQueueClean)))
}

// handleCreateSession exchanges a shop domain for a session cookie. The
// real install flow would verify an OAuth HMAC here; domain lookup is the
// gate this service owns.
func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !a.allow("auth") {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	var body struct {
		Shop string `json:"shop"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Shop == "" {
		http.Error(w, "missing shop", http.StatusBadRequest)
		return
	}
	m, err := a.activeMerchantByDomain(r, body.Shop)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	a.sessions.Issue(w, m.MerchantID)
	writeJSON(w, http.StatusOK, map[string]string{"merchantId": m.MerchantID})
}

var errUnknownMerchant = errors.New("unknown or inactive merchant")

func (a *API) activeMerchantByDomain(r *http.Request, shop string) (*store.Merchant, error) {
	m, err := a.db.GetMerchantByDomain(r.Context(), strings.ToLower(strings.TrimSpace(shop)))
	if err != nil {
		return nil, err
	}
	if m == nil || m.Status != "active" {
		return nil, errUnknownMerchant
	}
	return m, nil
}

func (a *API) handleGetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	merchantID, err := middleware.MerchantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	po, err := a.db.GetPurchaseOrder(r.Context(), merchantID, r.PathValue("id"))
	if err != nil {
		log.Printf("[API] get po: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if po == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	items, err := a.db.ListLineItems(r.Context(), po.PurchaseOrderID)
	if err != nil {
		log.Printf("[API] list line items: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"purchaseOrder": po,
		"lineItems":     items,
	})
}

// handleReprocess starts a fresh workflow over the PO's latest upload. A PO
// with an active workflow conflicts.
func (a *API) handleReprocess(w http.ResponseWriter, r *http.Request) {
	merchantID, err := middleware.MerchantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !a.allow("reprocess") {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	poID := r.PathValue("id")

	po, err := a.db.GetPurchaseOrder(r.Context(), merchantID, poID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if po == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	// denied is terminal; only an operator-level status change reopens it.
	if po.Status == store.POStatusDenied {
		http.Error(w, "purchase order denied", http.StatusConflict)
		return
	}
	upload, err := a.db.LatestUploadForPO(r.Context(), merchantID, poID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if upload == nil {
		http.Error(w, "no upload on record for purchase order", http.StatusBadRequest)
		return
	}

	workflowID, err := a.orch.StartWorkflow(r.Context(), merchantID, poID, upload.UploadID)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowActive) {
			http.Error(w, "workflow already active", http.StatusConflict)
			return
		}
		log.Printf("[API] reprocess po %s: %v", poID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := a.db.UpdatePurchaseOrderStatus(r.Context(), merchantID, poID,
		store.POStatusProcessing, store.JobStatusPending, ""); err != nil {
		log.Printf("[API] reset po %s status: %v", poID, err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflowId": workflowID})
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	merchantID, err := middleware.MerchantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	we, err := a.db.GetWorkflowExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if we == nil || we.MerchantID != merchantID {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, we)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}
