package checkpoint_test

import (
	"context"
	"fmt"

	"flowpoint/checkpoint"
)

// A workflow runs its steps inside checkpoint scopes; after a crash the
// recovery point tells a fresh process where to pick up.
func Example() {
	cp, err := checkpoint.New(checkpoint.Options{
		Backend:      checkpoint.BackendMemory,
		RecoveryMode: checkpoint.ResumeFromLast,
	}, nil)
	if err != nil {
		panic(err)
	}
	defer cp.Close()

	workflowID := "orders_1700000000000_1"
	ctx := context.Background()

	_ = cp.RunStep(ctx, workflowID, "extract", 0, map[string]any{"source": "db"}, nil,
		func(ctx context.Context, scope *checkpoint.StepScope) error {
			scope.SetOutput(map[string]any{"rows": 100})
			return nil
		})

	_ = cp.RunStep(ctx, workflowID, "load", 1, nil, nil,
		func(ctx context.Context, scope *checkpoint.StepScope) error {
			return fmt.Errorf("warehouse unreachable")
		})

	// After a restart: where do we resume?
	point, err := cp.GetRecoveryPoint(workflowID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("resume at step %d (%s), last status %s\n", point.StepIndex, point.StepName, point.Status)

	// Output: resume at step 1 (load), last status failed
}
