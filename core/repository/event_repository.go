package repository

import (
	"database/sql"
	"encoding/json"

	"avatar-pipeline/core/models"
)

// EventRepository handles database operations for progress events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// InsertEvent appends one progress event row
func (r *EventRepository) InsertEvent(event models.ProgressEvent) error {
	dataJSON := "{}"
	if event.Data != nil {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return err
		}
		dataJSON = string(encoded)
	}

	query := `
		INSERT INTO progress_events (task_id, sequence, event_type, data_json, at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, sequence) DO NOTHING
	`
	_, err := r.db.Exec(query, event.TaskID, event.Sequence, event.Type, dataJSON, event.Timestamp)
	return err
}

// GetEvents retrieves events for a task after the given sequence, in order
func (r *EventRepository) GetEvents(taskID string, afterSequence int64, limit int) ([]models.ProgressEvent, error) {
	query := `
		SELECT task_id, sequence, event_type, data_json, at
		FROM progress_events
		WHERE task_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`

	rows, err := r.db.Query(query, taskID, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.ProgressEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// LatestEvent retrieves the most recent event for a task
func (r *EventRepository) LatestEvent(taskID string) (models.ProgressEvent, error) {
	query := `
		SELECT task_id, sequence, event_type, data_json, at
		FROM progress_events
		WHERE task_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`
	return scanEvent(r.db.QueryRow(query, taskID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (models.ProgressEvent, error) {
	var event models.ProgressEvent
	var dataJSON string

	err := row.Scan(&event.TaskID, &event.Sequence, &event.Type, &dataJSON, &event.Timestamp)
	if err != nil {
		return models.ProgressEvent{}, err
	}
	if dataJSON != "" && dataJSON != "{}" {
		if err := json.Unmarshal([]byte(dataJSON), &event.Data); err != nil {
			return models.ProgressEvent{}, err
		}
	}
	return event, nil
}

var _ rowScanner = (*sql.Row)(nil)
