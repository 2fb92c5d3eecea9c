package types

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// BackupID correlates the backups of all subsystems. It is the Unix time in
// seconds at which the backup was started.
type BackupID uint64

func (id BackupID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Time returns the creation time encoded in the id.
func (id BackupID) Time() time.Time {
	return time.Unix(int64(id), 0).UTC()
}

// ExportSnapshotName is the search engine snapshot holding the exported
// workflow records of a backup.
func (id BackupID) ExportSnapshotName() string {
	return "camunda_zeebe_records_" + id.String()
}

// BackupState is the state of a backup as reported by a single subsystem.
type BackupState string

const (
	StateInProgress   BackupState = "IN_PROGRESS"
	StateCompleted    BackupState = "COMPLETED"
	StateFailed       BackupState = "FAILED"
	StateIncomplete   BackupState = "INCOMPLETE"
	StateDoesNotExist BackupState = "DOES_NOT_EXIST"
)

// AllStates lists the states in the order they are reported.
var AllStates = []BackupState{
	StateCompleted,
	StateInProgress,
	StateIncomplete,
	StateFailed,
	StateDoesNotExist,
}

func (s *BackupState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch state := BackupState(raw); state {
	case StateInProgress, StateCompleted, StateFailed, StateIncomplete, StateDoesNotExist:
		*s = state
		return nil
	default:
		return fmt.Errorf("unknown backup state %q", raw)
	}
}

// Terminal reports whether the state can no longer change to COMPLETED.
func (s BackupState) Terminal() bool {
	return s == StateFailed || s == StateIncomplete
}

// BackupDescriptor is a backup as reported by one subsystem. D carries the
// subsystem specific details.
type BackupDescriptor[D any] struct {
	BackupID BackupID    `json:"backupId"`
	State    BackupState `json:"state"`
	Details  []D         `json:"details"`
}

// ZeebeDetails describes the backup of a single partition.
type ZeebeDetails struct {
	PartitionID        int    `json:"partitionId,omitempty"`
	State              string `json:"state,omitempty"`
	SnapshotID         string `json:"snapshotId,omitempty"`
	CheckpointPosition int64  `json:"checkpointPosition,omitempty"`
	BrokerVersion      string `json:"brokerVersion,omitempty"`
}

// OperateDetails names one index snapshot taken by Operate.
type OperateDetails struct {
	SnapshotName string `json:"snapshotName"`
}

type ZeebeBackup = BackupDescriptor[ZeebeDetails]
type OperateBackup = BackupDescriptor[OperateDetails]

// Backup is a backup resolved for restore.
type Backup struct {
	ID        BackupID
	Snapshots []string
}

// WorkloadInfo describes a Deployment or StatefulSet of the application.
type WorkloadInfo struct {
	Kind             string // "Deployment" or "StatefulSet"
	Name             string
	Namespace        string
	OriginalReplicas int32
}

// RestartableApps records the replica counts of every workload that was
// scaled to zero, keyed by workload name.
type RestartableApps struct {
	Namespace    string
	Deployments  map[string]int32
	StatefulSets map[string]int32
}

// Len returns the number of recorded workloads.
func (a *RestartableApps) Len() int {
	return len(a.Deployments) + len(a.StatefulSets)
}

// PVCInfo holds information about a broker PersistentVolumeClaim.
type PVCInfo struct {
	Namespace string
	PVCName   string
	PVName    string
}
