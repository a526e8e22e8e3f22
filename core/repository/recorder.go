package repository

import "avatar-pipeline/core/models"

// Recorder persists pipeline state transitions and progress events, and
// reads them back for runs that have left the in-memory registry. It
// implements the pipeline service's Recorder interface and the REST
// layer's Archive interface.
type Recorder struct {
	tasks  *TaskRepository
	events *EventRepository
}

// NewRecorder creates a recorder over the task and event repositories
func NewRecorder(tasks *TaskRepository, events *EventRepository) *Recorder {
	return &Recorder{tasks: tasks, events: events}
}

// TaskCreated persists a newly created task
func (r *Recorder) TaskCreated(task *models.Task) error {
	return r.tasks.CreateTask(task)
}

// TaskUpdated persists a task state transition
func (r *Recorder) TaskUpdated(task *models.Task) error {
	return r.tasks.UpdateTask(task)
}

// EventPublished persists a progress event
func (r *Recorder) EventPublished(event models.ProgressEvent) error {
	return r.events.InsertEvent(event)
}

// GetTask reads a persisted task
func (r *Recorder) GetTask(id string) (*models.Task, error) {
	return r.tasks.GetTask(id)
}

// ListTasks reads persisted tasks, newest first
func (r *Recorder) ListTasks(status *models.TaskStatus, limit int) ([]*models.Task, error) {
	return r.tasks.ListTasks(status, limit)
}

// GetEvents reads persisted events after the given sequence, in order
func (r *Recorder) GetEvents(taskID string, afterSequence int64, limit int) ([]models.ProgressEvent, error) {
	return r.events.GetEvents(taskID, afterSequence, limit)
}

// LatestEvent reads the most recent persisted event for a task
func (r *Recorder) LatestEvent(taskID string) (models.ProgressEvent, error) {
	return r.events.LatestEvent(taskID)
}
