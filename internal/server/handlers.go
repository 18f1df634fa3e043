// Package server exposes the sync protocol over HTTP: a websocket
// endpoint bridging clients to the engine, plus a health probe.
package server

import (
	"encoding/json"
	"net/http"
)

// Handler implements the plain HTTP handlers.
type Handler struct {
	sync    *SyncHandler
	version string
	stores  int
}

// NewHandler creates a new Handler.
func NewHandler(sync *SyncHandler, version string, storeCount int) *Handler {
	return &Handler{sync: sync, version: version, stores: storeCount}
}

// HealthResponse is the health probe body.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Stores   int    `json:"stores"`
	Sessions int    `json:"sessions"`
}

// Health returns the health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Stores:   h.stores,
		Sessions: h.sync.Registry().Count(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
