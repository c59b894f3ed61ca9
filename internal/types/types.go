package types

// Process exit codes for the worker binary
const (
	ExitErrored = 1
)

// Job family discriminator. Selects which pipeline processes the job.
type JobType string

const (
	JobTypePDB     JobType = "pdb"
	JobTypeCRD     JobType = "crd"
	JobTypeAuto    JobType = "auto"
	JobTypeSANS    JobType = "sans"
	JobTypeMulti   JobType = "multi"
	JobTypeNersc   JobType = "nersc"
	JobTypeWebhook JobType = "webhook"
	JobTypeUnknown JobType = ""
)

// Lifecycle status of a job document
type JobStatus string

const (
	JobStatusSubmitted JobStatus = "Submitted"
	JobStatusPending   JobStatus = "Pending"
	JobStatusRunning   JobStatus = "Running"
	JobStatusCompleted JobStatus = "Completed"
	JobStatusError     JobStatus = "Error"
	JobStatusFailed    JobStatus = "Failed"
	JobStatusCancelled JobStatus = "Cancelled"
)

// Molecular dynamics engine used for the minimize/heat/md stages
type MDEngine string

const (
	MDEngineCHARMM MDEngine = "CHARMM"
	MDEngineOpenMM MDEngine = "OpenMM"
)
