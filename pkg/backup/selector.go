package backup

import (
	"sort"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

// FindUsableBackup returns the newest backup id that both Zeebe and Operate
// report as COMPLETED. A backup that only one of them completed can not be
// restored.
func FindUsableBackup(zeebe []types.ZeebeBackup, operate []types.OperateBackup) (types.BackupID, bool) {
	completed := completedIDs(operate)

	var (
		best  types.BackupID
		found bool
	)
	for id := range completedIDs(zeebe) {
		if _, ok := completed[id]; !ok {
			continue
		}
		if !found || id > best {
			best, found = id, true
		}
	}
	return best, found
}

// NewestCompleted returns the newest COMPLETED backup of a single subsystem.
func NewestCompleted[D any](descs []types.BackupDescriptor[D]) (types.BackupID, bool) {
	var (
		best  types.BackupID
		found bool
	)
	for id := range completedIDs(descs) {
		if !found || id > best {
			best, found = id, true
		}
	}
	return best, found
}

func completedIDs[D any](descs []types.BackupDescriptor[D]) map[types.BackupID]struct{} {
	ids := make(map[types.BackupID]struct{}, len(descs))
	for _, d := range descs {
		if d.State == types.StateCompleted {
			ids[d.BackupID] = struct{}{}
		}
	}
	return ids
}

// StateSummary groups the backups of one subsystem that share a state.
type StateSummary struct {
	State      types.BackupState
	Count      int
	MostRecent []types.BackupID // newest first, at most three
}

// Summarize groups backups by state, in the order of types.AllStates.
func Summarize[D any](descs []types.BackupDescriptor[D]) []StateSummary {
	byState := make(map[types.BackupState][]types.BackupID)
	for _, d := range descs {
		byState[d.State] = append(byState[d.State], d.BackupID)
	}

	var out []StateSummary
	for _, state := range types.AllStates {
		ids := byState[state]
		if len(ids) == 0 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
		recent := ids
		if len(recent) > 3 {
			recent = recent[:3]
		}
		out = append(out, StateSummary{State: state, Count: len(ids), MostRecent: recent})
	}
	return out
}
