package routes

import (
	"avatar-pipeline/api/rest/handlers"
	"avatar-pipeline/core/monitoring"
	"avatar-pipeline/core/pipeline"
	"avatar-pipeline/core/progress"
	"avatar-pipeline/core/resource_manager"
	"avatar-pipeline/storage"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes; archive may be nil when the
// server runs without persistence
func SetupRoutes(r *mux.Router, svc *pipeline.Service, tracker *progress.Tracker, pool *resource_manager.GPUResourceManager, store *storage.Manager, metrics *monitoring.Registry, archive handlers.Archive) {
	runHandler := handlers.NewRunHandler(svc, archive)
	progressHandler := handlers.NewProgressHandler(svc, tracker, archive)
	systemHandler := handlers.NewSystemHandler(pool, store, metrics)

	api := r.PathPrefix("/v1").Subrouter()

	// Run endpoints
	api.HandleFunc("/runs", runHandler.SubmitRun).Methods("POST")
	api.HandleFunc("/runs", runHandler.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", runHandler.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/cancel", runHandler.CancelRun).Methods("POST")

	// Progress endpoints
	api.HandleFunc("/runs/{id}/progress", progressHandler.GetProgress).Methods("GET")
	api.HandleFunc("/runs/{id}/events", progressHandler.GetEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/stream", progressHandler.StreamEvents).Methods("GET")

	// System endpoints
	api.HandleFunc("/gpu/status", systemHandler.GetGPUStatus).Methods("GET")
	api.HandleFunc("/storage/stats", systemHandler.GetStorageStats).Methods("GET")

	r.HandleFunc("/metrics", systemHandler.GetMetrics).Methods("GET")
	r.HandleFunc("/health", systemHandler.Health).Methods("GET")
}
