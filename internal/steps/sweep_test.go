package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRgValues(t *testing.T) {
	t.Run("DegenerateRangeYieldsOneIteration", func(t *testing.T) {
		assert.Equal(t, []int{25}, RgValues(25, 25))
	})

	t.Run("TwentyToForty", func(t *testing.T) {
		assert.Equal(t, []int{20, 24, 28, 32, 36}, RgValues(20, 40))
	})

	t.Run("NarrowRangeUsesStepOne", func(t *testing.T) {
		assert.Equal(t, 1, RgStep(30, 32))
		assert.Equal(t, []int{30, 31}, RgValues(30, 32))
	})
}

func TestRunDirs(t *testing.T) {
	t.Run("CrossesRgAndRuns", func(t *testing.T) {
		dirs := RunDirs(20, 40, 2)
		assert.Len(t, dirs, 10, "5 Rg points x 2 runs")
		assert.Equal(t, "rg20_run1", dirs[0])
		assert.Equal(t, "rg20_run2", dirs[1])
		assert.Equal(t, "rg36_run2", dirs[9])
	})

	t.Run("SingleRgSingleRun", func(t *testing.T) {
		assert.Equal(t, []string{"rg25_run1"}, RunDirs(25, 25, 1))
	})
}
