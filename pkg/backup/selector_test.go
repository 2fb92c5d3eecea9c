package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

func zeebeBackups(states map[types.BackupID]types.BackupState) []types.ZeebeBackup {
	var out []types.ZeebeBackup
	for id, s := range states {
		out = append(out, types.ZeebeBackup{BackupID: id, State: s})
	}
	return out
}

func operateBackups(states map[types.BackupID]types.BackupState) []types.OperateBackup {
	var out []types.OperateBackup
	for id, s := range states {
		out = append(out, types.OperateBackup{BackupID: id, State: s})
	}
	return out
}

func TestFindUsableBackup(t *testing.T) {
	c := types.StateCompleted

	tests := []struct {
		name    string
		zeebe   map[types.BackupID]types.BackupState
		operate map[types.BackupID]types.BackupState
		want    types.BackupID
		wantOK  bool
	}{
		{
			name:    "newest common",
			zeebe:   map[types.BackupID]types.BackupState{10: c, 20: c, 30: c},
			operate: map[types.BackupID]types.BackupState{20: c, 30: c, 40: c},
			want:    30,
			wantOK:  true,
		},
		{
			name:    "newest zeebe backup failed in operate",
			zeebe:   map[types.BackupID]types.BackupState{10: c, 20: c},
			operate: map[types.BackupID]types.BackupState{10: c, 20: types.StateFailed},
			want:    10,
			wantOK:  true,
		},
		{
			name:    "in progress is not usable",
			zeebe:   map[types.BackupID]types.BackupState{10: types.StateInProgress},
			operate: map[types.BackupID]types.BackupState{10: c},
		},
		{
			name:    "disjoint",
			zeebe:   map[types.BackupID]types.BackupState{10: c},
			operate: map[types.BackupID]types.BackupState{20: c},
		},
		{
			name: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindUsableBackup(zeebeBackups(tt.zeebe), operateBackups(tt.operate))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewestCompleted(t *testing.T) {
	backups := zeebeBackups(map[types.BackupID]types.BackupState{
		10: types.StateCompleted,
		20: types.StateCompleted,
		30: types.StateIncomplete,
	})
	got, ok := NewestCompleted(backups)
	assert.True(t, ok)
	assert.Equal(t, types.BackupID(20), got)

	_, ok = NewestCompleted[types.ZeebeDetails](nil)
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	backups := zeebeBackups(map[types.BackupID]types.BackupState{
		1: types.StateCompleted,
		2: types.StateCompleted,
		3: types.StateCompleted,
		4: types.StateCompleted,
		5: types.StateFailed,
		6: types.StateInProgress,
	})

	want := []StateSummary{
		{State: types.StateCompleted, Count: 4, MostRecent: []types.BackupID{4, 3, 2}},
		{State: types.StateInProgress, Count: 1, MostRecent: []types.BackupID{6}},
		{State: types.StateFailed, Count: 1, MostRecent: []types.BackupID{5}},
	}
	assert.Equal(t, want, Summarize(backups))
}

func TestSummarize_Empty(t *testing.T) {
	assert.Empty(t, Summarize[types.OperateDetails](nil))
}
