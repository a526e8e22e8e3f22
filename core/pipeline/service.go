package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"avatar-pipeline/core/models"
	"avatar-pipeline/core/monitoring"
	"avatar-pipeline/core/progress"
	"avatar-pipeline/core/resource_manager"
	"avatar-pipeline/core/stages"
	"avatar-pipeline/storage"

	"github.com/google/uuid"
)

// Adapters bundles the external stage collaborators the pipeline drives
type Adapters struct {
	Detector    stages.Detector
	Segmenter   stages.Segmenter
	Synthesizer stages.Synthesizer
	Mixer       stages.Mixer
	Render      stages.RenderService
}

// Config holds pipeline tuning; zero values select the defaults
type Config struct {
	DetectionClass     string        // GPU resource class for detection
	SegmentationClass  string        // GPU resource class for segmentation
	StageTimeout       time.Duration // per adapter call
	StageRetries       int           // bounded retries for transient stage failures
	RetryBase          time.Duration // initial retry backoff
	RenderPollInterval time.Duration // between render status checks
	RenderBudget       time.Duration // overall wall-clock budget for rendering
	TaskRetention      time.Duration // how long terminal tasks stay in memory
}

func (c Config) withDefaults() Config {
	if c.DetectionClass == "" {
		c.DetectionClass = "detection"
	}
	if c.SegmentationClass == "" {
		c.SegmentationClass = "segmentation"
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 60 * time.Second
	}
	if c.StageRetries <= 0 {
		c.StageRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RenderPollInterval <= 0 {
		c.RenderPollInterval = 5 * time.Second
	}
	if c.RenderBudget <= 0 {
		c.RenderBudget = 5 * time.Minute
	}
	if c.TaskRetention <= 0 {
		c.TaskRetention = time.Hour
	}
	return c
}

// Recorder persists task state transitions and progress events. The service
// works without one; the server wires the Postgres repository in.
type Recorder interface {
	TaskCreated(task *models.Task) error
	TaskUpdated(task *models.Task) error
	EventPublished(event models.ProgressEvent) error
}

// Service owns the active runs. It is an explicitly constructed object, not
// package state: tests create as many independent instances as they need.
type Service struct {
	cfg      Config
	adapters Adapters
	pool     *resource_manager.GPUResourceManager
	tracker  *progress.Tracker
	store    *storage.Manager
	recorder Recorder
	metrics  *monitoring.Registry

	mu    sync.Mutex
	tasks map[string]*models.Task
	runs  map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// ErrTaskNotFound is returned for operations on an unknown task id
var ErrTaskNotFound = fmt.Errorf("task not found")

// NewService creates a pipeline service. recorder may be nil.
func NewService(
	cfg Config,
	adapters Adapters,
	pool *resource_manager.GPUResourceManager,
	tracker *progress.Tracker,
	store *storage.Manager,
	recorder Recorder,
	metrics *monitoring.Registry,
) *Service {
	if metrics == nil {
		metrics = monitoring.NewRegistry()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		adapters: adapters,
		pool:     pool,
		tracker:  tracker,
		store:    store,
		recorder: recorder,
		metrics:  metrics,
		tasks:    make(map[string]*models.Task),
		runs:     make(map[string]context.CancelFunc),
	}
}

// StartRun creates a task for the given photo and configuration and executes
// the pipeline in the background. The returned task is a snapshot.
func (s *Service) StartRun(image []byte, cfg models.RunConfig) (models.Task, error) {
	if len(image) == 0 {
		return models.Task{}, models.NewInputError("empty_image", "no photo supplied")
	}
	if cfg.Text == "" {
		return models.Task{}, models.NewInputError("empty_text", "no text supplied")
	}
	if cfg.PersonIndex < 0 {
		return models.Task{}, models.NewInputError("bad_person_index", "person index must not be negative")
	}

	now := time.Now()
	task := &models.Task{
		ID:        uuid.New().String(),
		Status:    models.TaskStatusPending,
		Stage:     models.StageInitialized,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.runs[task.ID] = cancel
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.TaskCreated(task); err != nil {
			log.Printf("pipeline: record task %s: %v", task.ID, err)
		}
	}
	s.metrics.Counter("tasks_started").Inc()
	s.metrics.Gauge("tasks_active").Inc()

	o := &orchestrator{svc: s, task: task, image: image}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		o.execute(ctx)

		s.mu.Lock()
		delete(s.runs, task.ID)
		s.mu.Unlock()
		s.metrics.Gauge("tasks_active").Dec()
	}()

	return s.snapshot(task), nil
}

// Cancel signals the run to stop. The run converges to FAILED with storage
// rolled back. Cancelling a task that already finished is a no-op; an
// unknown id is an error.
func (s *Service) Cancel(taskID string) error {
	s.mu.Lock()
	cancel, running := s.runs[taskID]
	_, known := s.tasks[taskID]
	s.mu.Unlock()

	if !known {
		return ErrTaskNotFound
	}
	if running {
		cancel()
	}
	return nil
}

// Get returns a snapshot of the task
func (s *Service) Get(taskID string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	return s.snapshotLocked(task), nil
}

// List returns snapshots of all known tasks, newest first, optionally
// filtered by status
func (s *Service) List(status models.TaskStatus, limit int) []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, s.snapshotLocked(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweep drops terminal tasks older than the retention window from the
// in-memory registry and returns the number removed. Persisted records
// remain readable through the repository.
func (s *Service) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.TaskRetention)
	removed := 0
	for id, task := range s.tasks {
		if task.Status.Terminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

// Stop cancels every active run and waits for them to converge
func (s *Service) Stop() {
	s.mu.Lock()
	for _, cancel := range s.runs {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) snapshot(task *models.Task) models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(task)
}

// snapshotLocked copies the task so observers never share mutable state
// with the running orchestrator
func (s *Service) snapshotLocked(task *models.Task) models.Task {
	snap := *task
	snap.Stages = append([]models.Stage(nil), task.Stages...)
	if task.Result != nil {
		result := *task.Result
		snap.Result = &result
	}
	return snap
}

// publish appends a progress event and forwards it to the recorder
func (s *Service) publish(taskID string, eventType models.EventType, data map[string]interface{}) {
	event := s.tracker.Publish(taskID, eventType, data)
	if s.recorder != nil {
		if err := s.recorder.EventPublished(event); err != nil {
			log.Printf("pipeline: record event %s/%d: %v", taskID, event.Sequence, err)
		}
	}
}

func (s *Service) recordTask(task *models.Task) {
	if s.recorder == nil {
		return
	}
	s.mu.Lock()
	snapshot := s.snapshotLocked(task)
	s.mu.Unlock()
	if err := s.recorder.TaskUpdated(&snapshot); err != nil {
		log.Printf("pipeline: record task %s: %v", task.ID, err)
	}
}
