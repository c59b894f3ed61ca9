package steps

import (
	"fmt"
	"math"
)

// RgStep is the radius-of-gyration sweep increment: a fifth of the
// requested range, never below one.
func RgStep(rgMin, rgMax int) int {
	step := int(math.Round(float64(rgMax-rgMin) / 5))
	if step < 1 {
		step = 1
	}
	return step
}

// RgValues enumerates the Rg sweep. The upper bound is exclusive so a
// range divisible by the step yields exactly five points; a degenerate
// range (rgMin == rgMax) still yields a single iteration.
func RgValues(rgMin, rgMax int) []int {
	step := RgStep(rgMin, rgMax)

	var values []int
	for rg := rgMin; rg < rgMax; rg += step {
		values = append(values, rg)
	}
	if len(values) == 0 {
		values = []int{rgMin}
	}
	return values
}

// RunDirs crosses the Rg sweep with the conformational sampling count,
// producing the per-run subdirectory names under foxs/.
func RunDirs(rgMin, rgMax, confSample int) []string {
	values := RgValues(rgMin, rgMax)

	dirs := make([]string, 0, len(values)*confSample)
	for _, rg := range values {
		for run := 1; run <= confSample; run++ {
			dirs = append(dirs, fmt.Sprintf("rg%d_run%d", rg, run))
		}
	}
	return dirs
}
