package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"avatar-pipeline/core/models"
)

// TaskRepository handles database operations for tasks
type TaskRepository struct {
	db *DB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// CreateTask inserts a new task row
func (r *TaskRepository) CreateTask(task *models.Task) error {
	query := `
		INSERT INTO tasks (
			id, status, stage, progress, config_json, error_code, error_detail,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(query,
		task.ID,
		task.Status,
		task.Stage,
		task.Progress,
		string(configJSON),
		task.ErrorCode,
		task.ErrorDetail,
		task.CreatedAt,
		task.UpdatedAt,
	)
	return err
}

// UpdateTask updates a task's state and appends a transition row in one
// transaction so the audit trail never diverges from the task row
func (r *TaskRepository) UpdateTask(task *models.Task) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var resultJSON *string
	if task.Result != nil {
		encoded, err := json.Marshal(task.Result)
		if err != nil {
			return err
		}
		s := string(encoded)
		resultJSON = &s
	}

	query := `
		UPDATE tasks
		SET status = $1, stage = $2, progress = $3, result_json = $4,
			error_code = $5, error_detail = $6, started_at = $7,
			completed_at = $8, updated_at = NOW()
		WHERE id = $9
	`
	_, err = tx.Exec(query,
		task.Status,
		task.Stage,
		task.Progress,
		resultJSON,
		task.ErrorCode,
		task.ErrorDetail,
		task.StartedAt,
		task.CompletedAt,
		task.ID,
	)
	if err != nil {
		return err
	}

	transition := `
		INSERT INTO task_transitions (task_id, stage, status, progress)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(transition, task.ID, task.Stage, task.Status, task.Progress); err != nil {
		return err
	}

	return tx.Commit()
}

// GetTask retrieves a task by ID
func (r *TaskRepository) GetTask(id string) (*models.Task, error) {
	query := `
		SELECT id, status, stage, progress, config_json, result_json,
			error_code, error_detail, created_at, started_at, completed_at, updated_at
		FROM tasks
		WHERE id = $1
	`

	var task models.Task
	var configJSON string
	var resultJSON sql.NullString
	var startedAt sql.NullTime
	var completedAt sql.NullTime

	err := r.db.QueryRow(query, id).Scan(
		&task.ID,
		&task.Status,
		&task.Stage,
		&task.Progress,
		&configJSON,
		&resultJSON,
		&task.ErrorCode,
		&task.ErrorDetail,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &task.Config); err != nil {
		return nil, fmt.Errorf("decode task config: %w", err)
	}
	if resultJSON.Valid {
		var result models.RunResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
		task.Result = &result
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}

	return &task, nil
}

// ListTasks lists tasks with an optional status filter, newest first
func (r *TaskRepository) ListTasks(status *models.TaskStatus, limit int) ([]*models.Task, error) {
	query := `
		SELECT id, status, stage, progress, error_code, created_at, updated_at
		FROM tasks
	`
	args := []interface{}{}
	if status != nil {
		query += " WHERE status = $1"
		args = append(args, *status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var task models.Task
		if err := rows.Scan(
			&task.ID,
			&task.Status,
			&task.Stage,
			&task.Progress,
			&task.ErrorCode,
			&task.CreatedAt,
			&task.UpdatedAt,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// PruneTasks removes terminal tasks older than the retention window and
// returns the number removed
func (r *TaskRepository) PruneTasks(retention time.Duration) (int64, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ($1, $2) AND completed_at < $3
	`
	res, err := r.db.Exec(query,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		time.Now().Add(-retention),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
