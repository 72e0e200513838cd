package checkpoint

// Store defines the interface for checkpoint persistence. Backends are
// interchangeable; the Checkpointer never branches on the concrete type.
//
// Absence is a normal outcome: Load, GetLastCheckpoint and friends
// return (nil, nil) when no record matches, never an error. Save is an
// upsert keyed by checkpoint ID and must be visible to any subsequent
// read once it returns.
type Store interface {
	// Save upserts a checkpoint by ID. It refreshes UpdatedAt, sets
	// CreatedAt on first persistence and preserves the stored CreatedAt
	// across overwrites.
	Save(cp *Checkpoint) error

	// Load returns the checkpoint with the given ID, or nil.
	Load(checkpointID string) (*Checkpoint, error)

	// ListWorkflowCheckpoints returns all checkpoints for a workflow,
	// sorted ascending by step index.
	ListWorkflowCheckpoints(workflowID string) ([]*Checkpoint, error)

	// GetLastCheckpoint returns the checkpoint with the greatest step
	// index for a workflow, or nil.
	GetLastCheckpoint(workflowID string) (*Checkpoint, error)

	// DeleteWorkflowCheckpoints removes every checkpoint sharing the
	// workflow ID and returns how many were removed. Deleting an unknown
	// workflow removes nothing and returns 0.
	DeleteWorkflowCheckpoints(workflowID string) (int, error)

	// GetIncompleteWorkflows returns the IDs of workflows having at
	// least one pending or in-progress checkpoint, sorted. A workflow
	// whose every checkpoint is completed or failed is not incomplete:
	// failure is terminal from the store's perspective, retrying is the
	// caller's decision.
	GetIncompleteWorkflows() ([]string, error)

	// Close releases backend resources.
	Close() error
}
