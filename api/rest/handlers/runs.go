package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"avatar-pipeline/core/models"
	"avatar-pipeline/core/pipeline"
	"avatar-pipeline/core/spec"

	"github.com/gorilla/mux"
)

// maxUploadBytes bounds the photo upload size
const maxUploadBytes = 20 << 20

// RunHandler handles run-related HTTP requests. Reads fall back to the
// archive for runs no longer held in memory.
type RunHandler struct {
	svc     *pipeline.Service
	archive Archive
}

// NewRunHandler creates a new run handler; archive may be nil
func NewRunHandler(svc *pipeline.Service, archive Archive) *RunHandler {
	return &RunHandler{svc: svc, archive: archive}
}

// SubmitRunResponse represents the response after submitting a run
type SubmitRunResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmitRun handles POST /v1/runs. The request is multipart form data with
// an "image" file and either a "spec" YAML document or individual fields.
func (h *RunHandler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Invalid multipart request: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "Missing image file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		http.Error(w, "Failed to read image", http.StatusBadRequest)
		return
	}

	cfg, err := runConfigFromForm(r)
	if err != nil {
		http.Error(w, "Invalid run spec: "+err.Error(), http.StatusBadRequest)
		return
	}

	task, err := h.svc.StartRun(image, cfg)
	if err != nil {
		status := http.StatusInternalServerError
		if models.KindOf(err) == models.ErrKindInput {
			status = http.StatusBadRequest
		}
		http.Error(w, "Failed to start run: "+err.Error(), status)
		return
	}

	resp := SubmitRunResponse{
		ID:        task.ID,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func runConfigFromForm(r *http.Request) (models.RunConfig, error) {
	if specYAML := r.FormValue("spec"); specYAML != "" {
		return spec.ParseRunSpec(specYAML)
	}

	cfg := models.RunConfig{
		Text:  r.FormValue("text"),
		Voice: r.FormValue("voice"),
		BGM:   r.FormValue("bgm"),
	}
	if v := r.FormValue("person_index"); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return models.RunConfig{}, err
		}
		cfg.PersonIndex = idx
	}
	if v := r.FormValue("remove_background"); v != "" {
		remove, err := strconv.ParseBool(v)
		if err != nil {
			return models.RunConfig{}, err
		}
		cfg.RemoveBackground = remove
	}
	if v := r.FormValue("bgm_volume"); v != "" {
		volume, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return models.RunConfig{}, err
		}
		cfg.BGMVolume = volume
	}
	return cfg, nil
}

// GetRun handles GET /v1/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	task, err := h.svc.Get(vars["id"])
	if err != nil {
		if h.archive == nil {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		archived, err := h.archive.GetTask(vars["id"])
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				http.Error(w, "Run not found", http.StatusNotFound)
			} else {
				http.Error(w, "Failed to read run: "+err.Error(), http.StatusInternalServerError)
			}
			return
		}
		task = *archived
	}

	response := map[string]interface{}{
		"id":       task.ID,
		"status":   task.Status,
		"stage":    task.Stage,
		"progress": task.Progress,
		"config":   task.Config,
		"timestamps": map[string]interface{}{
			"created_at":   task.CreatedAt,
			"started_at":   task.StartedAt,
			"completed_at": task.CompletedAt,
		},
	}
	if task.Result != nil {
		response["result"] = task.Result
	}
	if task.ErrorCode != "" {
		response["error"] = map[string]interface{}{
			"code":    task.ErrorCode,
			"message": task.ErrorDetail,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ListRuns handles GET /v1/runs
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	status := models.TaskStatus(r.URL.Query().Get("status"))

	tasks := h.svc.List(status, limit)
	if h.archive != nil {
		tasks = h.mergeArchived(tasks, status, limit)
	}
	items := make([]map[string]interface{}, len(tasks))
	for i, task := range tasks {
		items[i] = map[string]interface{}{
			"id":         task.ID,
			"status":     task.Status,
			"stage":      task.Stage,
			"progress":   task.Progress,
			"created_at": task.CreatedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
}

// mergeArchived folds persisted runs into the in-memory listing. In-memory
// snapshots win on id collisions since they are the fresher state.
func (h *RunHandler) mergeArchived(tasks []models.Task, status models.TaskStatus, limit int) []models.Task {
	var filter *models.TaskStatus
	if status != "" {
		filter = &status
	}
	archived, err := h.archive.ListTasks(filter, limit)
	if err != nil {
		log.Printf("handlers: list archived runs: %v", err)
		return tasks
	}

	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		seen[task.ID] = true
	}
	for _, task := range archived {
		if !seen[task.ID] {
			tasks = append(tasks, *task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

// CancelRun handles POST /v1/runs/{id}/cancel
func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.Cancel(vars["id"]); err != nil {
		if errors.Is(err, pipeline.ErrTaskNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to cancel run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     vars["id"],
		"status": "cancelling",
	})
}
