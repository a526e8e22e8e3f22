package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"avatar-pipeline/core/models"
	"avatar-pipeline/core/pipeline"
	"avatar-pipeline/core/progress"

	"github.com/gorilla/mux"
)

// ProgressHandler exposes the progress event log over pull and push
// transports. Both reflect the same underlying ordered log; reads fall
// back to the archive once the in-memory history has been swept.
type ProgressHandler struct {
	svc     *pipeline.Service
	tracker *progress.Tracker
	archive Archive
}

// NewProgressHandler creates a new progress handler; archive may be nil
func NewProgressHandler(svc *pipeline.Service, tracker *progress.Tracker, archive Archive) *ProgressHandler {
	return &ProgressHandler{svc: svc, tracker: tracker, archive: archive}
}

// getTask resolves a run from memory first, then the archive
func (h *ProgressHandler) getTask(id string) (models.Task, bool) {
	task, err := h.svc.Get(id)
	if err == nil {
		return task, true
	}
	if h.archive == nil {
		return models.Task{}, false
	}
	archived, err := h.archive.GetTask(id)
	if err != nil {
		return models.Task{}, false
	}
	return *archived, true
}

// GetProgress handles GET /v1/runs/{id}/progress, the poll endpoint
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	task, ok := h.getTask(vars["id"])
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"task_id":  task.ID,
		"status":   task.Status,
		"stage":    task.Stage,
		"progress": task.Progress,
	}
	if latest, ok := h.tracker.Latest(task.ID); ok {
		response["latest_event"] = latest
	} else if h.archive != nil {
		if latest, err := h.archive.LatestEvent(task.ID); err == nil {
			response["latest_event"] = latest
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetEvents handles GET /v1/runs/{id}/events, returning the stored history
func (h *ProgressHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, ok := h.getTask(vars["id"]); !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	items := h.tracker.History(vars["id"])
	if len(items) == 0 && h.archive != nil {
		// sequences start at 0, so the cursor starts below it
		archived, err := h.archive.GetEvents(vars["id"], -1, eventPageLimit)
		if err != nil {
			http.Error(w, "Failed to read events: "+err.Error(), http.StatusInternalServerError)
			return
		}
		items = archived
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": items,
	})
}

// StreamEvents handles GET /v1/runs/{id}/stream, an SSE push stream that
// replays the full history and then follows live events until terminal
func (h *ProgressHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := h.svc.Get(vars["id"]); err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.tracker.Subscribe(vars["id"])
	defer sub.Close()

	for {
		event, ok := sub.Next(r.Context())
		if !ok {
			return
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()

		if event.Type.Terminal() {
			return
		}
	}
}
