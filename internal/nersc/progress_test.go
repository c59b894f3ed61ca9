package nersc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bl1231/bilbomd-worker/internal/types"
)

func TestProgress(t *testing.T) {
	t.Run("NoStepsComplete", func(t *testing.T) {
		assert.Equal(t, 20, Progress(types.Steps{}))
	})

	t.Run("OnlyMDComplete", func(t *testing.T) {
		steps := types.Steps{}
		steps.Set(types.StepMD, types.StepSuccess, "")
		// md carries half the total weight
		assert.Equal(t, 55, Progress(steps))
	})

	t.Run("RunningStepsDoNotCount", func(t *testing.T) {
		steps := types.Steps{}
		steps.Set(types.StepMinimize, types.StepSuccess, "")
		steps.Set(types.StepMD, types.StepRunning, "")

		withRunning := Progress(steps)

		steps2 := types.Steps{}
		steps2.Set(types.StepMinimize, types.StepSuccess, "")
		assert.Equal(t, Progress(steps2), withRunning)
	})

	t.Run("AllCompleteCapsAt90", func(t *testing.T) {
		steps := types.Steps{}
		for name := range stepWeights {
			steps.Set(name, types.StepSuccess, "")
		}
		assert.Equal(t, 90, Progress(steps))
	})
}
