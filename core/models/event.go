package models

import "time"

// ProgressEvent is an immutable, sequence-numbered progress record for a task.
// Ordering is defined by Sequence, never by wall-clock alone.
type ProgressEvent struct {
	TaskID    string                 `json:"task_id"`
	Type      EventType              `json:"event_type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Sequence  int64                  `json:"sequence"`
}

// EventType represents the kind of a progress event
type EventType string

const (
	EventStageUpdate EventType = "STAGE_UPDATE"
	EventSubProgress EventType = "SUB_PROGRESS"
	EventError       EventType = "ERROR"
	EventComplete    EventType = "COMPLETE"
	EventHeartbeat   EventType = "HEARTBEAT"
	// EventGap is a synthetic marker inserted into a subscriber's queue when
	// buffered events had to be dropped; full history remains available via replay
	EventGap EventType = "GAP"
)

// Terminal reports whether the event ends a task's progress stream
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}
