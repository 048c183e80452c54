package models

// Variable is a named, typed input a Workflow exposes to its caller.
type Variable struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Default string `json:"default,omitempty"`
}

// Workflow is a user-authored run template. It is immutable from the core's
// view; it is created and updated only by an external workflow-CRUD
// collaborator that this service does not implement.
type Workflow struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	TaskDescription string         `json:"task_description"`
	StopWhen        string         `json:"stop_when,omitempty"`
	MaxSteps        int            `json:"max_steps,omitempty"`
	Variables       []Variable     `json:"variables,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Version         int            `json:"version"`
}
