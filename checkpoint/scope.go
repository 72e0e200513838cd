package checkpoint

import (
	"context"
	"fmt"
)

// StepScope gives guaranteed start/finish bookkeeping around one step.
// BeginStep persists the in-progress checkpoint; End finalizes it
// exactly once on every exit path: a panic records a failure and
// re-panics, a non-nil error records a failure, and a normal exit
// records completion with the recorded output (or an empty one).
//
//	scope, err := cp.BeginStep(wfID, "fetch", 0, input, nil)
//	if err != nil {
//	    return err
//	}
//	defer scope.End(&err)
//	out, err := fetch()
//	if err != nil {
//	    return err
//	}
//	scope.SetOutput(out)
type StepScope struct {
	checkpointer *Checkpointer
	checkpoint   *Checkpoint
	output       map[string]any
	finished     bool
}

// BeginStep starts a checkpoint and returns a scope that must be
// finalized with End.
func (c *Checkpointer) BeginStep(workflowID, stepName string, stepIndex int, inputData, metadata map[string]any) (*StepScope, error) {
	cp, err := c.Start(workflowID, stepName, stepIndex, inputData, metadata)
	if err != nil {
		return nil, err
	}
	return &StepScope{checkpointer: c, checkpoint: cp}, nil
}

// SetOutput records the step's output for Complete on normal exit.
func (s *StepScope) SetOutput(output map[string]any) {
	s.output = output
}

// Checkpoint returns the checkpoint this scope manages.
func (s *StepScope) Checkpoint() *Checkpoint {
	return s.checkpoint
}

// End finalizes the scope. Intended for defer with a named error
// return:
//
//	defer scope.End(&err)
//
// A panic in the step body is recorded as a failure and re-raised; End
// never swallows the original failure.
func (s *StepScope) End(errp *error) {
	if r := recover(); r != nil {
		s.finish(fmt.Errorf("panic: %v", r))
		panic(r)
	}
	if errp != nil && *errp != nil {
		s.finish(*errp)
		return
	}
	s.finish(nil)
}

// finish runs at most once per scope.
func (s *StepScope) finish(stepErr error) {
	if s.finished {
		return
	}
	s.finished = true

	if stepErr != nil {
		if err := s.checkpointer.Fail(s.checkpoint, stepErr); err != nil {
			s.checkpointer.logger.Error("failed to record step failure",
				zapCheckpointFields(s.checkpoint)...)
		}
		return
	}

	output := s.output
	if output == nil {
		// Completion is the default outcome of a normal exit.
		output = map[string]any{}
	}
	if err := s.checkpointer.Complete(s.checkpoint, output); err != nil {
		s.checkpointer.logger.Error("failed to record step completion",
			zapCheckpointFields(s.checkpoint)...)
	}
}

// StepFunc is a step body run under RunStep. The context is for the
// caller's own work; checkpoint persistence itself is not cancellable.
type StepFunc func(ctx context.Context, scope *StepScope) error

// RunStep executes fn inside a checkpoint scope: it starts the
// checkpoint, runs fn, and finalizes on every exit path. fn's error (or
// panic) propagates to the caller after the failure is recorded. Step
// bodies that suspend on the context get the same finalization
// semantics as synchronous ones.
func (c *Checkpointer) RunStep(ctx context.Context, workflowID, stepName string, stepIndex int, inputData, metadata map[string]any, fn StepFunc) (err error) {
	scope, err := c.BeginStep(workflowID, stepName, stepIndex, inputData, metadata)
	if err != nil {
		return err
	}
	defer scope.End(&err)

	err = fn(ctx, scope)
	return err
}
