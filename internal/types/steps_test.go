package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bl1231/bilbomd-worker/internal/types"
)

func TestSteps(t *testing.T) {
	t.Run("SetOverwritesLastWriteWins", func(t *testing.T) {
		steps := types.Steps{}
		steps.Set(types.StepMinimize, types.StepRunning, "")
		steps.Set(types.StepMinimize, types.StepSuccess, "done")

		assert.Equal(t, types.StepStatus{Status: types.StepSuccess, Message: "done"},
			steps.Get(types.StepMinimize))
		assert.Len(t, steps, 1)
	})

	t.Run("RepeatedSetIsIdempotent", func(t *testing.T) {
		steps := types.Steps{}
		steps.Set(types.StepHeat, types.StepSuccess, "")
		before := steps.Get(types.StepHeat)

		steps.Set(types.StepHeat, types.StepSuccess, "")
		assert.Equal(t, before, steps.Get(types.StepHeat))
		assert.Len(t, steps, 1)
	})

	t.Run("UnknownStepReportsWaiting", func(t *testing.T) {
		steps := types.Steps{}
		assert.Equal(t, types.StepWaiting, steps.Get(types.StepFoXS).Status)
	})
}

func TestIsTerminalSlurmState(t *testing.T) {
	for _, state := range []string{
		"COMPLETED", "FAILED", "DEADLINE", "TIMEOUT",
		"CANCELLED", "CANCELLED by 12345", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED",
	} {
		assert.True(t, types.IsTerminalSlurmState(state), state)
	}

	for _, state := range []string{"PENDING", "RUNNING", ""} {
		assert.False(t, types.IsTerminalSlurmState(state), state)
	}
}

func TestNormalizeSlurmState(t *testing.T) {
	assert.Equal(t, types.SlurmFailed, types.NormalizeSlurmState("NODE_FAIL"))
	assert.Equal(t, types.SlurmFailed, types.NormalizeSlurmState("OUT_OF_MEMORY"))
	assert.Equal(t, types.SlurmFailed, types.NormalizeSlurmState("PREEMPTED"))
	assert.Equal(t, types.SlurmCancelled, types.NormalizeSlurmState("CANCELLED by 42"))
	assert.Equal(t, types.SlurmCompleted, types.NormalizeSlurmState("completed"))
}
