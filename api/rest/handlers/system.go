package handlers

import (
	"encoding/json"
	"net/http"

	"avatar-pipeline/core/monitoring"
	"avatar-pipeline/core/resource_manager"
	"avatar-pipeline/storage"
)

// SystemHandler exposes operational state: GPU pool occupancy, storage
// tier accounting, and process metrics.
type SystemHandler struct {
	pool    *resource_manager.GPUResourceManager
	store   *storage.Manager
	metrics *monitoring.Registry
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(pool *resource_manager.GPUResourceManager, store *storage.Manager, metrics *monitoring.Registry) *SystemHandler {
	return &SystemHandler{pool: pool, store: store, metrics: metrics}
}

// GetGPUStatus handles GET /v1/gpu/status
func (h *SystemHandler) GetGPUStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"classes": h.pool.Status(),
	})
}

// GetStorageStats handles GET /v1/storage/stats
func (h *SystemHandler) GetStorageStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tiers": h.store.Stats(),
	})
}

// GetMetrics handles GET /metrics
func (h *SystemHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.metrics.Snapshot())
}

// Health handles GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
