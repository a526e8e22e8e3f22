package handlers

import "avatar-pipeline/core/models"

// eventPageLimit bounds one archived history read
const eventPageLimit = 1000

// Archive reads persisted runs and events that are no longer held in
// memory, so the API keeps answering for runs from before a restart or
// past the in-memory retention window. A nil Archive means the server
// runs without persistence.
type Archive interface {
	GetTask(id string) (*models.Task, error)
	ListTasks(status *models.TaskStatus, limit int) ([]*models.Task, error)
	GetEvents(taskID string, afterSequence int64, limit int) ([]models.ProgressEvent, error)
	LatestEvent(taskID string) (models.ProgressEvent, error)
}
