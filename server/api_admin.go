package main

import (
	"errors"
	"log"
	"net/http"

	"github.com/shopdock/poflow/server/queue"
)

// Queue admin surface. Session-authenticated like everything else; queue
// state is shared across merchants, so these are operator endpoints in
// practice.

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.runtime.StatusAll(r.Context())
	if err != nil {
		log.Printf("[ADMIN] queue status: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (a *API) handleQueueFailed(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("queue")
	if name == "" {
		http.Error(w, "missing queue parameter", http.StatusBadRequest)
		return
	}
	jobs, err := a.runtime.FailedJobs(r.Context(), name)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownQueue) {
			http.Error(w, "unknown queue", http.StatusNotFound)
			return
		}
		log.Printf("[ADMIN] failed jobs: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	if !a.allow("admin_clean") {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	name := r.URL.Query().Get("queue")
	if name == "" {
		http.Error(w, "missing queue parameter", http.StatusBadRequest)
		return
	}
	n, err := a.runtime.CleanFailed(r.Context(), name)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownQueue) {
			http.Error(w, "unknown queue", http.StatusNotFound)
			return
		}
		log.Printf("[ADMIN] clean queue: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
