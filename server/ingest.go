package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shopdock/poflow/server/middleware"
	"github.com/shopdock/poflow/server/store"
	"github.com/shopdock/poflow/server/workflow"
)

const maxUploadBytes = 20 << 20 // 20 MiB

// handleUpload ingests a PO document: placeholder PO row, upload record,
// file bytes into the file store, then the workflow kicks off. The response
// returns before any stage has run.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	merchantID, err := middleware.MerchantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !a.allow("upload") {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty file", http.StatusBadRequest)
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ctx := r.Context()

	// Placeholder PO: the real number arrives with the extraction. The
	// epoch-ms suffix keeps placeholders unique per merchant.
	poID := uuid.NewString()
	po := &store.PurchaseOrder{
		PurchaseOrderID: poID,
		MerchantID:      merchantID,
		Number:          fmt.Sprintf("PO-%d", time.Now().UnixMilli()),
		Status:          store.POStatusProcessing,
		JobStatus:       store.JobStatusPending,
		Currency:        "USD",
		FileName:        header.Filename,
		FileSize:        int64(len(data)),
	}
	if err := a.db.CreatePurchaseOrder(ctx, po); err != nil {
		log.Printf("[INGEST] create po: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	uploadID := uuid.NewString()
	fileURL, err := a.files.Put(ctx, uploadID, data, mimeType)
	if err != nil {
		log.Printf("[INGEST] store file: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	upload := &store.Upload{
		UploadID:         uploadID,
		MerchantID:       merchantID,
		FileName:         uploadID + "-" + header.Filename,
		OriginalFileName: header.Filename,
		FileSize:         int64(len(data)),
		MimeType:         mimeType,
		FileURL:          fileURL,
		Status:           "uploaded",
		Metadata:         map[string]string{store.MetaPurchaseOrderID: poID},
	}
	if err := a.db.CreateUpload(ctx, upload); err != nil {
		log.Printf("[INGEST] create upload: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	workflowID, err := a.orch.StartWorkflow(ctx, merchantID, poID, uploadID)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowActive) {
			http.Error(w, "workflow already active", http.StatusConflict)
			return
		}
		log.Printf("[INGEST] start workflow: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	log.Printf("[INGEST] merchant %s: upload %s -> po %s workflow %s (%d bytes)",
		merchantID, uploadID, poID, workflowID, len(data))
	writeJSON(w, http.StatusOK, map[string]string{
		"uploadId":   uploadID,
		"workflowId": workflowID,
		"poId":       poID,
	})
}
