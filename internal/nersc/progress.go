package nersc

import (
	"math"

	"github.com/bl1231/bilbomd-worker/internal/types"
)

// Relative cost of each remotely-executed step. The md stage dominates
// wall time so it carries most of the weight.
var stepWeights = map[types.StepName]float64{
	types.StepPDB2CRD:   2,
	types.StepMinimize:  5,
	types.StepInitFoXS:  2,
	types.StepHeat:      5,
	types.StepMD:        50,
	types.StepDCD2PDB:   8,
	types.StepRemediate: 3,
	types.StepFoXS:      15,
	types.StepMultiFoXS: 8,
	types.StepResults:   2,
}

// Progress maps completed remote steps onto the 20-90 band of the
// overall progress bar. The band below 20 is used by submission
// bookkeeping and the band above 90 by local result handling.
func Progress(steps types.Steps) int {
	var total, completed float64
	for name, weight := range stepWeights {
		total += weight
		if steps.Get(name).Status == types.StepSuccess {
			completed += weight
		}
	}
	if total == 0 {
		return 20
	}

	progress := int(math.Round(completed/total*70)) + 20
	if progress > 90 {
		progress = 90
	}
	return progress
}
