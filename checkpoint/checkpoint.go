// Package checkpoint persists per-step progress markers for multi-step
// workflows so a restarted process can decide exactly where to resume.
//
// A caller runs a sequence of named, ordered steps. Before each step it
// records an in-progress checkpoint, and after the step it records the
// outcome. On restart, GetRecoveryPoint applies the configured recovery
// mode to the workflow's checkpoint history and returns the step to
// resume from, or nil for a fresh workflow.
package checkpoint

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a checkpoint
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRecovered  Status = "recovered"
)

// ParseStatus converts a string tag to a Status, rejecting unknown tags.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusRecovered:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown checkpoint status: %q", s)
}

// RecoveryMode controls how GetRecoveryPoint picks the checkpoint to
// resume from after a restart.
type RecoveryMode string

const (
	// ResumeFromLast returns the checkpoint with the greatest step index,
	// regardless of its status.
	ResumeFromLast RecoveryMode = "resume_from_last"
	// RestartTask returns the highest failed or in-progress checkpoint,
	// falling back to the last checkpoint when none match.
	RestartTask RecoveryMode = "restart_task"
	// SkipFailed returns the highest completed checkpoint, or nothing.
	SkipFailed RecoveryMode = "skip_failed"
	// Manual never picks automatically; the caller decides.
	Manual RecoveryMode = "manual"
)

// ParseRecoveryMode converts a string tag to a RecoveryMode.
func ParseRecoveryMode(s string) (RecoveryMode, error) {
	switch RecoveryMode(s) {
	case ResumeFromLast, RestartTask, SkipFailed, Manual:
		return RecoveryMode(s), nil
	}
	return "", fmt.Errorf("unknown recovery mode: %q", s)
}

// Checkpoint records the state of one workflow step at its last write.
// Identity is the (WorkflowID, StepIndex) pair: re-saving the same pair
// overwrites the prior record, last write wins. No history of superseded
// attempts is kept.
type Checkpoint struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StepName   string         `json:"step_name"`
	StepIndex  int            `json:"step_index"`
	Status     Status         `json:"status"`
	InputData  map[string]any `json:"input_data"`
	OutputData map[string]any `json:"output_data,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToMap converts the checkpoint to a flat map representation suitable
// for storage or wire transfer. Unset OutputData and Error come out as
// nil and "" respectively.
func (c *Checkpoint) ToMap() map[string]any {
	return map[string]any{
		"id":          c.ID,
		"workflow_id": c.WorkflowID,
		"step_name":   c.StepName,
		"step_index":  c.StepIndex,
		"status":      string(c.Status),
		"input_data":  c.InputData,
		"output_data": c.OutputData,
		"error":       c.Error,
		"created_at":  c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"metadata":    c.Metadata,
	}
}

// FromMap builds a checkpoint from its flat map representation. An
// unknown status tag is a decode error. Missing output_data, error and
// metadata round-trip to their zero values.
func FromMap(data map[string]any) (*Checkpoint, error) {
	status, err := ParseStatus(stringField(data, "status"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	cp := &Checkpoint{
		ID:         stringField(data, "id"),
		WorkflowID: stringField(data, "workflow_id"),
		StepName:   stringField(data, "step_name"),
		Status:     status,
		Error:      stringField(data, "error"),
	}

	switch v := data["step_index"].(type) {
	case int:
		cp.StepIndex = v
	case int64:
		cp.StepIndex = int(v)
	case float64:
		cp.StepIndex = int(v)
	}

	if m, ok := data["input_data"].(map[string]any); ok {
		cp.InputData = m
	}
	if m, ok := data["output_data"].(map[string]any); ok {
		cp.OutputData = m
	}
	if m, ok := data["metadata"].(map[string]any); ok {
		cp.Metadata = m
	}

	if cp.CreatedAt, err = timeField(data, "created_at"); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if cp.UpdatedAt, err = timeField(data, "updated_at"); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return cp, nil
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func timeField(data map[string]any, key string) (time.Time, error) {
	raw, ok := data[key]
	if !ok || raw == nil {
		return time.Time{}, nil
	}
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid %s: unsupported type %T", key, raw)
}

// Clone returns a deep copy of the checkpoint. Payload maps are copied
// one level deep; nested values are shared, the core treats them as
// opaque.
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	cp.InputData = copyMap(c.InputData)
	cp.OutputData = copyMap(c.OutputData)
	cp.Metadata = copyMap(c.Metadata)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
