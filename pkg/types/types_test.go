package types

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupState_Unmarshal(t *testing.T) {
	for _, want := range AllStates {
		var got BackupState
		if assert.NoError(t, json.Unmarshal([]byte(`"`+string(want)+`"`), &got), want) {
			assert.Equal(t, want, got)
		}
	}
}

func TestBackupState_UnmarshalUnknown(t *testing.T) {
	var s BackupState
	assert.Error(t, json.Unmarshal([]byte(`"PAUSED"`), &s))
}

func TestBackupState_Terminal(t *testing.T) {
	terminal := map[BackupState]bool{
		StateCompleted:    false,
		StateInProgress:   false,
		StateIncomplete:   true,
		StateFailed:       true,
		StateDoesNotExist: false,
	}
	for state, want := range terminal {
		assert.Equal(t, want, state.Terminal(), state)
	}
}

func TestBackupID(t *testing.T) {
	id := BackupID(1700000000)
	assert.Equal(t, "camunda_zeebe_records_1700000000", id.ExportSnapshotName())
	assert.True(t, id.Time().Equal(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)), "Time() = %s", id.Time())
}

func TestDescriptor_Decode(t *testing.T) {
	data := `{"backupId":5,"state":"INCOMPLETE","details":[{"partitionId":2,"state":"FAILED"}],"failureReason":"disk full"}`
	var d ZeebeBackup
	require.NoError(t, json.Unmarshal([]byte(data), &d))
	assert.Equal(t, BackupID(5), d.BackupID)
	assert.Equal(t, StateIncomplete, d.State)
	require.Len(t, d.Details, 1)
	assert.Equal(t, 2, d.Details[0].PartitionID)
}
