package checkpoint

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"flowpoint/metrics"
)

// Backend selector names accepted by New.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// DefaultSQLitePath is where the sqlite backend stores checkpoints when
// no path is configured.
const DefaultSQLitePath = ".flowpoint/checkpoints.db"

// Options configures a Checkpointer built by New.
type Options struct {
	// Backend selects the store: "memory", "sqlite" or "redis".
	Backend string
	// Path is the sqlite database file (sqlite backend only).
	Path string
	// RedisClient backs the redis backend; required when Backend is
	// "redis". The caller owns its lifecycle.
	RedisClient RedisClient
	// RecoveryMode controls GetRecoveryPoint. Defaults to ResumeFromLast.
	RecoveryMode RecoveryMode
	// Metrics optionally records operation metrics; nil disables them.
	Metrics *metrics.Collector
}

// RedisClient is the subset of redis client capability the redis
// backend needs; satisfied by *redis.Client and redis.Cmdable.
type RedisClient = redisCmdable

// Checkpointer orchestrates checkpoint identity, lifecycle transitions
// and recovery-point selection over one Store. It is safe for use from
// multiple goroutines; the caller remains responsible for ensuring only
// one writer drives a given workflow at a time (last write wins).
type Checkpointer struct {
	store   Store
	mode    RecoveryMode
	logger  *zap.Logger
	metrics *metrics.Collector

	// workflowCounter is instance-local: it resets when a Checkpointer
	// is constructed, so cross-restart uniqueness of generated workflow
	// IDs relies on the millisecond timestamp component. Two instances
	// created within the same millisecond can in principle collide.
	workflowCounter atomic.Int64
}

// New creates a Checkpointer with a store selected by opts.Backend. An
// unrecognized backend name is a configuration error; nothing is
// created.
func New(opts Options, logger *zap.Logger) (*Checkpointer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var store Store
	switch opts.Backend {
	case BackendMemory, "":
		store = NewMemoryStore()
	case BackendSQLite:
		path := opts.Path
		if path == "" {
			path = DefaultSQLitePath
		}
		var err error
		store, err = NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite checkpoint store: %w", err)
		}
	case BackendRedis:
		if opts.RedisClient == nil {
			return nil, fmt.Errorf("redis backend requires a client")
		}
		store = NewRedisStore(opts.RedisClient)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %q", opts.Backend)
	}

	return NewWithStore(store, opts.RecoveryMode, logger, opts.Metrics), nil
}

// NewWithStore creates a Checkpointer on an injected store.
func NewWithStore(store Store, mode RecoveryMode, logger *zap.Logger, collector *metrics.Collector) *Checkpointer {
	if mode == "" {
		mode = ResumeFromLast
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{
		store:   store,
		mode:    mode,
		logger:  logger,
		metrics: collector,
	}
}

// RecoveryMode returns the configured recovery mode.
func (c *Checkpointer) RecoveryMode() RecoveryMode {
	return c.mode
}

// GenerateWorkflowID returns prefix_millis_counter. The counter is
// local to this instance.
func (c *Checkpointer) GenerateWorkflowID(prefix string) string {
	if prefix == "" {
		prefix = "workflow"
	}
	n := c.workflowCounter.Add(1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixMilli(), n)
}

// CheckpointID derives the checkpoint identity for a (workflow, step)
// pair. Deterministic: the same pair always maps to the same ID, which
// is what gives checkpoints their last-write-wins upsert identity.
func CheckpointID(workflowID string, stepIndex int) string {
	return fmt.Sprintf("%s_step_%d", workflowID, stepIndex)
}

// Start creates and persists an in-progress checkpoint for the step.
// Starting a step whose checkpoint already exists overwrites it,
// including reverting a completed step to in-progress; callers wanting
// idempotent resume must consult GetRecoveryPoint first.
func (c *Checkpointer) Start(workflowID, stepName string, stepIndex int, inputData, metadata map[string]any) (*Checkpoint, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	cp := &Checkpoint{
		ID:         CheckpointID(workflowID, stepIndex),
		WorkflowID: workflowID,
		StepName:   stepName,
		StepIndex:  stepIndex,
		Status:     StatusInProgress,
		InputData:  inputData,
		Metadata:   metadata,
	}
	if err := c.save(cp); err != nil {
		return nil, err
	}
	c.logger.Debug("checkpoint started",
		zap.String("workflow_id", workflowID),
		zap.String("step_name", stepName),
		zap.Int("step_index", stepIndex),
	)
	return cp, nil
}

// Complete marks the checkpoint completed with the step's output and
// re-persists it.
func (c *Checkpointer) Complete(cp *Checkpoint, outputData map[string]any) error {
	cp.Status = StatusCompleted
	cp.OutputData = outputData
	if err := c.save(cp); err != nil {
		return err
	}
	c.logger.Debug("checkpoint completed",
		zap.String("workflow_id", cp.WorkflowID),
		zap.Int("step_index", cp.StepIndex),
	)
	return nil
}

// Fail marks the checkpoint failed, recording the error message, and
// re-persists it. The step's error stays the caller's to handle; Fail
// only records it.
func (c *Checkpointer) Fail(cp *Checkpoint, stepErr error) error {
	cp.Status = StatusFailed
	if stepErr != nil {
		cp.Error = stepErr.Error()
	}
	if err := c.save(cp); err != nil {
		return err
	}
	c.logger.Warn("checkpoint failed",
		zap.String("workflow_id", cp.WorkflowID),
		zap.Int("step_index", cp.StepIndex),
		zap.String("error", cp.Error),
	)
	return nil
}

// MarkRecovered marks a checkpoint as recovered, used by a caller about
// to retry a previously failed or interrupted step.
func (c *Checkpointer) MarkRecovered(cp *Checkpoint) error {
	cp.Status = StatusRecovered
	return c.save(cp)
}

func (c *Checkpointer) save(cp *Checkpoint) error {
	start := time.Now()
	if err := c.store.Save(cp); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
	}
	if c.metrics != nil {
		c.metrics.IncSave(string(cp.Status))
		c.metrics.ObserveSaveDuration(time.Since(start))
	}
	return nil
}

// GetRecoveryPoint returns the checkpoint to resume the workflow from,
// per the configured recovery mode, or nil when there is none. Absence
// is a normal outcome: a fresh workflow, manual mode, or skip-failed
// with nothing completed.
func (c *Checkpointer) GetRecoveryPoint(workflowID string) (*Checkpoint, error) {
	cp, err := c.selectRecoveryPoint(workflowID)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		if cp != nil {
			c.metrics.IncRecoveryPoint("found")
		} else {
			c.metrics.IncRecoveryPoint("absent")
		}
	}
	return cp, nil
}

func (c *Checkpointer) selectRecoveryPoint(workflowID string) (*Checkpoint, error) {
	if c.mode == Manual {
		return nil, nil
	}

	cps, err := c.store.ListWorkflowCheckpoints(workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", workflowID, err)
	}
	if len(cps) == 0 {
		return nil, nil
	}

	switch c.mode {
	case RestartTask:
		for i := len(cps) - 1; i >= 0; i-- {
			if cps[i].Status == StatusFailed || cps[i].Status == StatusInProgress {
				return cps[i], nil
			}
		}
		return cps[len(cps)-1], nil
	case SkipFailed:
		for i := len(cps) - 1; i >= 0; i-- {
			if cps[i].Status == StatusCompleted {
				return cps[i], nil
			}
		}
		return nil, nil
	}

	// ResumeFromLast and anything unconfigured: the highest step wins.
	return cps[len(cps)-1], nil
}

// GetIncompleteWorkflows returns the IDs of workflows with at least one
// pending or in-progress checkpoint.
func (c *Checkpointer) GetIncompleteWorkflows() ([]string, error) {
	return c.store.GetIncompleteWorkflows()
}

// ListCheckpoints returns the workflow's checkpoints sorted ascending by
// step index.
func (c *Checkpointer) ListCheckpoints(workflowID string) ([]*Checkpoint, error) {
	return c.store.ListWorkflowCheckpoints(workflowID)
}

// CleanupWorkflow deletes every checkpoint for the workflow and returns
// how many were removed. Idempotent: a second call returns 0.
func (c *Checkpointer) CleanupWorkflow(workflowID string) (int, error) {
	count, err := c.store.DeleteWorkflowCheckpoints(workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up workflow %s: %w", workflowID, err)
	}
	if c.metrics != nil {
		c.metrics.IncCleanup()
	}
	c.logger.Info("workflow cleaned up",
		zap.String("workflow_id", workflowID),
		zap.Int("deleted", count),
	)
	return count, nil
}

// Progress summarizes a workflow's checkpoints by status.
type Progress struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	Recovered  int
}

// Done reports whether every checkpoint reached a terminal status.
func (p Progress) Done() bool {
	return p.Total > 0 && p.Pending == 0 && p.InProgress == 0 && p.Recovered == 0
}

// Fraction returns the completed share of all checkpoints, in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// Progress computes the status breakdown of a workflow's checkpoints.
func (c *Checkpointer) Progress(workflowID string) (Progress, error) {
	cps, err := c.store.ListWorkflowCheckpoints(workflowID)
	if err != nil {
		return Progress{}, fmt.Errorf("failed to list checkpoints for %s: %w", workflowID, err)
	}

	p := Progress{Total: len(cps)}
	for _, cp := range cps {
		switch cp.Status {
		case StatusPending:
			p.Pending++
		case StatusInProgress:
			p.InProgress++
		case StatusCompleted:
			p.Completed++
		case StatusFailed:
			p.Failed++
		case StatusRecovered:
			p.Recovered++
		}
	}
	return p, nil
}

// Close closes the underlying store.
func (c *Checkpointer) Close() error {
	return c.store.Close()
}

func zapCheckpointFields(cp *Checkpoint) []zap.Field {
	return []zap.Field{
		zap.String("workflow_id", cp.WorkflowID),
		zap.String("step_name", cp.StepName),
		zap.Int("step_index", cp.StepIndex),
	}
}
