package types

// Name of a pipeline step. The set is closed; pipelines compose
// sequences of these and the NERSC status file reports against them.
type StepName string

const (
	StepPDB2CRD     StepName = "pdb2crd"
	StepOpenMMCfg   StepName = "openmm_config"
	StepPAE         StepName = "pae"
	StepAutoRg      StepName = "autorg"
	StepMinimize    StepName = "minimize"
	StepInitFoXS    StepName = "initfoxs"
	StepHeat        StepName = "heat"
	StepMD          StepName = "md"
	StepDCD2PDB     StepName = "dcd2pdb"
	StepRemediate   StepName = "pdb_remediate"
	StepFoXS        StepName = "foxs"
	StepPepsiSANS   StepName = "pepsisans"
	StepGASANS      StepName = "gasans"
	StepMultiFoXS   StepName = "multifoxs"
	StepResults     StepName = "results"
	StepEmail       StepName = "email"
	StepNerscPrep   StepName = "nersc_prepare_slurm_batch"
	StepNerscSubmit StepName = "nersc_submit_slurm_batch"
	StepNerscStatus StepName = "nersc_job_status"
	StepNerscCopy   StepName = "nersc_copy_results_to_cfs"
)

// State of a single pipeline step
type StepState string

const (
	StepWaiting StepState = "Waiting"
	StepRunning StepState = "Running"
	StepSuccess StepState = "Success"
	StepError   StepState = "Error"
)

type StepStatus struct {
	Status  StepState `json:"status"`
	Message string    `json:"message"`
}

// Steps records the per-step progress of a job. Persisted as jsonb on
// the job row. Writes are last-write-wins; setting the same state twice
// is a no-op in effect.
type Steps map[StepName]StepStatus

// Set records a status for a step, replacing any previous entry.
func (s Steps) Set(name StepName, state StepState, message string) {
	s[name] = StepStatus{Status: state, Message: message}
}

// Get returns the recorded status for a step. Steps never recorded
// report as Waiting.
func (s Steps) Get(name StepName) StepStatus {
	if st, ok := s[name]; ok {
		return st
	}
	return StepStatus{Status: StepWaiting}
}

// ParseStepState maps a status token from a remote status file onto a
// step state. Unknown tokens map to Waiting so a malformed line never
// clobbers recorded progress with garbage.
func ParseStepState(token string) StepState {
	switch StepState(token) {
	case StepRunning, StepSuccess, StepError, StepWaiting:
		return StepState(token)
	default:
		return StepWaiting
	}
}
