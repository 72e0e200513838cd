package checkpoint

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The store contract is backend-independent, so both implementations
// run the same suite.

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestRedisStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewRedisStore(client)
	})
}

func testCheckpoint(workflowID string, stepIndex int, status Status) *Checkpoint {
	return &Checkpoint{
		ID:         CheckpointID(workflowID, stepIndex),
		WorkflowID: workflowID,
		StepName:   fmt.Sprintf("step-%d", stepIndex),
		StepIndex:  stepIndex,
		Status:     status,
		InputData:  map[string]any{"n": float64(stepIndex)},
		Metadata:   map[string]any{},
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("save then load round-trips", func(t *testing.T) {
		store := newStore(t)

		cp := testCheckpoint("wf-roundtrip", 0, StatusInProgress)
		cp.OutputData = map[string]any{"result": "ok"}
		cp.Error = ""
		require.NoError(t, store.Save(cp))

		loaded, err := store.Load(cp.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)

		assert.Equal(t, cp.ID, loaded.ID)
		assert.Equal(t, cp.WorkflowID, loaded.WorkflowID)
		assert.Equal(t, cp.StepName, loaded.StepName)
		assert.Equal(t, cp.StepIndex, loaded.StepIndex)
		assert.Equal(t, cp.Status, loaded.Status)
		assert.Equal(t, cp.InputData, loaded.InputData)
		assert.Equal(t, cp.OutputData, loaded.OutputData)
		assert.Empty(t, loaded.Error)
		assert.False(t, loaded.CreatedAt.IsZero())
		assert.False(t, loaded.UpdatedAt.IsZero())
		assert.False(t, loaded.UpdatedAt.Before(loaded.CreatedAt))
	})

	t.Run("load absent returns nil", func(t *testing.T) {
		store := newStore(t)

		loaded, err := store.Load("wf-missing_step_0")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("save is an upsert preserving created_at", func(t *testing.T) {
		store := newStore(t)

		first := testCheckpoint("wf-upsert", 0, StatusInProgress)
		require.NoError(t, store.Save(first))

		loadedFirst, err := store.Load(first.ID)
		require.NoError(t, err)
		require.NotNil(t, loadedFirst)

		time.Sleep(5 * time.Millisecond)

		second := testCheckpoint("wf-upsert", 0, StatusCompleted)
		second.OutputData = map[string]any{"done": true}
		require.NoError(t, store.Save(second))

		loaded, err := store.Load(first.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)

		assert.Equal(t, StatusCompleted, loaded.Status)
		assert.Equal(t, map[string]any{"done": true}, loaded.OutputData)
		assert.True(t, loaded.CreatedAt.Equal(loadedFirst.CreatedAt),
			"created_at must not change across overwrites")
		assert.True(t, loaded.UpdatedAt.After(loadedFirst.UpdatedAt),
			"updated_at must be refreshed on every save")
		assert.True(t, second.CreatedAt.Equal(loadedFirst.CreatedAt),
			"the caller's record must see the preserved created_at after save")

		cps, err := store.ListWorkflowCheckpoints("wf-upsert")
		require.NoError(t, err)
		assert.Len(t, cps, 1, "same (workflow, step) pair must stay one record")
	})

	t.Run("overwrite replaces superseded fields", func(t *testing.T) {
		store := newStore(t)

		done := testCheckpoint("wf-overwrite", 0, StatusCompleted)
		done.OutputData = map[string]any{"rows": float64(10)}
		done.Error = "transient glitch"
		require.NoError(t, store.Save(done))

		// Restarting the step re-saves the same identity with a fresh
		// record; nothing of the prior attempt may survive.
		restarted := testCheckpoint("wf-overwrite", 0, StatusInProgress)
		require.NoError(t, store.Save(restarted))

		loaded, err := store.Load(restarted.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, StatusInProgress, loaded.Status)
		assert.Nil(t, loaded.OutputData, "superseded output must not survive the overwrite")
		assert.Empty(t, loaded.Error)
	})

	t.Run("list sorts ascending by step index", func(t *testing.T) {
		store := newStore(t)

		for _, idx := range []int{3, 0, 2, 1} {
			require.NoError(t, store.Save(testCheckpoint("wf-order", idx, StatusCompleted)))
		}

		cps, err := store.ListWorkflowCheckpoints("wf-order")
		require.NoError(t, err)
		require.Len(t, cps, 4)
		for i, cp := range cps {
			assert.Equal(t, i, cp.StepIndex)
		}
	})

	t.Run("list scopes to one workflow", func(t *testing.T) {
		store := newStore(t)

		require.NoError(t, store.Save(testCheckpoint("wf-a", 0, StatusCompleted)))
		require.NoError(t, store.Save(testCheckpoint("wf-b", 0, StatusCompleted)))

		cps, err := store.ListWorkflowCheckpoints("wf-a")
		require.NoError(t, err)
		require.Len(t, cps, 1)
		assert.Equal(t, "wf-a", cps[0].WorkflowID)
	})

	t.Run("last checkpoint has the greatest step index", func(t *testing.T) {
		store := newStore(t)

		last, err := store.GetLastCheckpoint("wf-last")
		require.NoError(t, err)
		assert.Nil(t, last)

		for _, idx := range []int{2, 0, 1} {
			require.NoError(t, store.Save(testCheckpoint("wf-last", idx, StatusCompleted)))
		}

		last, err = store.GetLastCheckpoint("wf-last")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, 2, last.StepIndex)
	})

	t.Run("delete removes the workflow and is idempotent", func(t *testing.T) {
		store := newStore(t)

		for idx := 0; idx < 3; idx++ {
			require.NoError(t, store.Save(testCheckpoint("wf-del", idx, StatusCompleted)))
		}
		require.NoError(t, store.Save(testCheckpoint("wf-keep", 0, StatusCompleted)))

		count, err := store.DeleteWorkflowCheckpoints("wf-del")
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		cps, err := store.ListWorkflowCheckpoints("wf-del")
		require.NoError(t, err)
		assert.Empty(t, cps)

		count, err = store.DeleteWorkflowCheckpoints("wf-del")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		kept, err := store.ListWorkflowCheckpoints("wf-keep")
		require.NoError(t, err)
		assert.Len(t, kept, 1, "delete must not cascade across workflows")
	})

	t.Run("incomplete workflows", func(t *testing.T) {
		store := newStore(t)

		// wf-running has an in-progress step.
		require.NoError(t, store.Save(testCheckpoint("wf-running", 0, StatusCompleted)))
		require.NoError(t, store.Save(testCheckpoint("wf-running", 1, StatusInProgress)))

		// wf-queued has a pending step.
		require.NoError(t, store.Save(testCheckpoint("wf-queued", 0, StatusPending)))

		// wf-done finished every step.
		require.NoError(t, store.Save(testCheckpoint("wf-done", 0, StatusCompleted)))

		// wf-broken failed terminally: not incomplete, even though it
		// never succeeded. Retrying is the caller's decision.
		require.NoError(t, store.Save(testCheckpoint("wf-broken", 0, StatusFailed)))

		incomplete, err := store.GetIncompleteWorkflows()
		require.NoError(t, err)
		assert.Equal(t, []string{"wf-queued", "wf-running"}, incomplete)
	})
}
