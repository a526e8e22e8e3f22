package models

import "time"

// Task represents one end-to-end avatar generation run
type Task struct {
	ID          string
	Status      TaskStatus
	Stage       Stage
	Progress    int // 0-100, monotonic non-decreasing while running
	Config      RunConfig
	Stages      []Stage // stages executed so far, in order
	Result      *RunResult
	ErrorCode   string
	ErrorDetail string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal state
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Stage represents a pipeline state machine state
type Stage string

const (
	StageInitialized       Stage = "INITIALIZED"
	StageDetecting         Stage = "DETECTING"
	StageDetected          Stage = "DETECTED"
	StageRemovingBG        Stage = "REMOVING_BACKGROUND"
	StageBGRemoved         Stage = "BG_REMOVED"
	StageSynthesizingVoice Stage = "SYNTHESIZING_VOICE"
	StageVoiceReady        Stage = "VOICE_READY"
	StageMixingBGM         Stage = "MIXING_BGM"
	StageAudioReady        Stage = "AUDIO_READY"
	StageRenderSubmitted   Stage = "RENDER_SUBMITTED"
	StageRenderPolling     Stage = "RENDER_POLLING"
	StageCompleted         Stage = "COMPLETED"
	StageFailed            Stage = "FAILED"
)

// StageProgress maps each state to its fixed progress percentage so clients
// can render a stable progress bar regardless of actual stage duration
var StageProgress = map[Stage]int{
	StageInitialized:       0,
	StageDetecting:         25,
	StageDetected:          40,
	StageRemovingBG:        50,
	StageBGRemoved:         60,
	StageSynthesizingVoice: 62,
	StageVoiceReady:        65,
	StageMixingBGM:         66,
	StageAudioReady:        68,
	StageRenderSubmitted:   70,
	StageRenderPolling:     75,
	StageCompleted:         100,
}

// RunConfig holds the caller-supplied configuration for one run
type RunConfig struct {
	Text             string  `json:"text"`
	Voice            string  `json:"voice"`
	PersonIndex      int     `json:"person_index"`
	RemoveBackground bool    `json:"remove_background"`
	BGM              string  `json:"bgm,omitempty"`
	BGMVolume        float64 `json:"bgm_volume,omitempty"`
}

// RunResult holds the terminal result of a completed run
type RunResult struct {
	VideoURL     string `json:"video_url"`
	ResultPath   string `json:"result_path"`
	RenderJobID  string `json:"render_job_id"`
	PersonsFound int    `json:"persons_found"`
}
