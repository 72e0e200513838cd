package checkpoint

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with a mutex-guarded in-process map.
// Records do not survive a restart; suitable for tests and single-process
// non-crash-safe use.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*Checkpoint),
	}
}

// Save upserts a copy of the checkpoint. The stored CreatedAt is
// preserved when the ID already exists.
func (s *MemoryStore) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := cp.Clone()
	stored.UpdatedAt = now

	if prev, ok := s.checkpoints[cp.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	s.checkpoints[cp.ID] = stored
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = stored.UpdatedAt
	return nil
}

// Load returns a copy of the checkpoint with the given ID, or nil.
func (s *MemoryStore) Load(checkpointID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, nil
	}
	return cp.Clone(), nil
}

// ListWorkflowCheckpoints returns the workflow's checkpoints sorted
// ascending by step index.
func (s *MemoryStore) ListWorkflowCheckpoints(workflowID string) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.WorkflowID == workflowID {
			out = append(out, cp.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StepIndex < out[j].StepIndex
	})
	return out, nil
}

// GetLastCheckpoint returns the checkpoint with the greatest step index
// for the workflow, or nil.
func (s *MemoryStore) GetLastCheckpoint(workflowID string) (*Checkpoint, error) {
	cps, err := s.ListWorkflowCheckpoints(workflowID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[len(cps)-1], nil
}

// DeleteWorkflowCheckpoints removes every checkpoint for the workflow
// and returns the count removed.
func (s *MemoryStore) DeleteWorkflowCheckpoints(workflowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toDelete []string
	for id, cp := range s.checkpoints {
		if cp.WorkflowID == workflowID {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		delete(s.checkpoints, id)
	}
	return len(toDelete), nil
}

// GetIncompleteWorkflows returns sorted workflow IDs having at least one
// pending or in-progress checkpoint.
func (s *MemoryStore) GetIncompleteWorkflows() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, cp := range s.checkpoints {
		if cp.Status == StatusPending || cp.Status == StatusInProgress {
			seen[cp.WorkflowID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
