// Package models defines the data types shared across tasker-core: runs,
// steps, logs, stored files, workflows, recorded action events, and the
// element snapshots the agent addresses pages with.
package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is one of the run's terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Run is a single agent-driven browser automation task.
type Run struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflow_id,omitempty"`
	TaskDescription   string         `json:"task_description"`
	CustomInstructions string        `json:"custom_instructions,omitempty"`
	StopWhen          string         `json:"stop_when,omitempty"`
	MaxSteps          int            `json:"max_steps"`
	LLMProvider       string         `json:"llm_provider"`
	LLMModel          string         `json:"llm_model"`
	Hints             string         `json:"hints,omitempty"`
	Status            RunStatus      `json:"status"`
	Error             string         `json:"error,omitempty"`
	Result            string         `json:"result,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// RunStep is one executed tool call within a run. Steps are append-only and
// strictly ordered by StepNumber within a run.
type RunStep struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	StepNumber int             `json:"step_number"`
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Success    bool            `json:"success"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Screenshot string          `json:"screenshot,omitempty"` // base64 PNG
	DurationMS int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

// LogLevel is the severity of a RunLog entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// RunLog is an append-only log line attached to a run.
type RunLog struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Note is a piece of scratchpad memory the agent explicitly saved with
// save_note. Notes are exempt from history compaction.
type Note struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredFile is a file produced by the write_file tool, owned by the Store
// until explicitly deleted.
type StoredFile struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	FileName   string    `json:"file_name"`
	FilePath   string    `json:"file_path"`
	MimeType   string    `json:"mime_type"`
	FileSize   int64     `json:"file_size"`
	CreatedAt  time.Time `json:"created_at"`
}

// Settings is the single, versioned row of sidecar-wide defaults.
type Settings struct {
	ID                   string `json:"id"`
	DefaultLLMProvider   string `json:"default_llm_provider"`
	DefaultLLMModel      string `json:"default_llm_model"`
	DefaultMaxSteps      int    `json:"default_max_steps"`
	DefaultViewportWidth int    `json:"default_viewport_width"`
	DefaultViewportHeight int   `json:"default_viewport_height"`
	Version              int   `json:"version"`
}

// Page describes one page of a paginated list result.
type Page struct {
	Total    int `json:"total"`
	Page     int `json:"page"`
	PerPage  int `json:"per_page"`
}

// RunFilter narrows a ListRuns query.
type RunFilter struct {
	Status     RunStatus
	WorkflowID string
}
