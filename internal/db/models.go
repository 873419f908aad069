package db

import (
	"time"

	"gorm.io/gorm"
)

// Run status values.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Stage names, in execution order.
const (
	StageProvision = "provision"
	StagePublish   = "publish"
	StageDeploy    = "deploy"
)

// PipelineRun is one pipeline invocation triggered by a code push.
type PipelineRun struct {
	gorm.Model
	RunID      string `gorm:"uniqueIndex"`
	SourceRev  string
	Status     string
	Error      string
	FinishedAt *time.Time
}

// StageRecord tracks one stage of a pipeline run.
type StageRecord struct {
	gorm.Model
	RunID   string `gorm:"index"`
	Stage   string
	Status  string
	Message string
}

// StateRecord is the persisted remote state blob for one environment,
// keyed by the composed (account, container, blob) storage key.
type StateRecord struct {
	gorm.Model
	Key     string `gorm:"uniqueIndex"`
	Serial  uint64
	Lineage string
	Data    string
}

// StateLease is the exclusive, TTL-bounded claim on a state key.
// At most one live row per key; expired rows may be taken over.
type StateLease struct {
	gorm.Model
	Key       string `gorm:"uniqueIndex"`
	Holder    string
	ExpiresAt time.Time
}

// ReleaseRecord is the rollout outcome for a workload. The active record is
// superseded wholesale by each successful rollout; superseded rows are kept
// as rollback candidates.
type ReleaseRecord struct {
	gorm.Model
	Namespace string `gorm:"index:idx_release_workload"`
	Name      string `gorm:"index:idx_release_workload"`
	Image     string
	Replicas  int
	Status    string
	Active    bool
}
