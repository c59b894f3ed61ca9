package models

import (
	"path/filepath"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/bl1231/bilbomd-worker/internal/types"
)

// NerscInfo tracks the remote half of a job delegated to the
// Superfacility API. Persisted as jsonb alongside the job row.
type NerscInfo struct {
	JobID             string           `json:"jobid"`
	State             types.SlurmState `json:"state"`
	QOS               string           `json:"qos"`
	TimeSubmitted     string           `json:"time_submitted"`
	TimeStarted       string           `json:"time_started"`
	TimeCompleted     string           `json:"time_completed"`
	CleanupInProgress bool             `json:"cleanup_in_progress"`
}

type Job struct {
	Type     types.JobType   `gorm:"type:text"`
	Status   types.JobStatus `gorm:"type:text;default:'Submitted'"`
	Title    string
	UUID     string `gorm:"uniqueIndex"`
	Progress int
	Model

	// input file names, relative to the job working directory
	PDBFile   string
	CRDFile   string
	PSFFile   string
	PAEFile   string
	ConstFile string
	DataFile  string

	RgMin                  int
	RgMax                  int
	ConformationalSampling int
	MDEngine               types.MDEngine `gorm:"type:text"`

	// for multi jobs: UUIDs of the member jobs to aggregate
	BilboMDUUIDs []string `gorm:"type:jsonb;serializer:json"`

	Steps types.Steps               `gorm:"type:jsonb;serializer:json"`
	Nersc datatypes.Null[NerscInfo] `gorm:"type:jsonb;serializer:json"`

	TimeStarted   datatypes.Null[string]
	TimeCompleted datatypes.Null[string]

	UserID uuid.UUID
	User   User
}

func (Job) TableName() string {
	return "job"
}

func (j Job) GetID() uuid.UUID {
	return j.ID
}

// WorkDir is the job's working directory under the shared upload volume.
func (j Job) WorkDir(uploadDir string) string {
	return filepath.Join(uploadDir, j.UUID)
}
