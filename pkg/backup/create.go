package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/catalog"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

// Zeebe records exported to the search engine are snapshotted under this
// index pattern, without any feature state.
var (
	ExportIndices       = []string{"zeebe-record*"}
	ExportFeatureStates = []string{"none"}
)

const compensationTimeout = time.Minute

type ZeebeClient interface {
	CreateBackup(ctx context.Context, id types.BackupID) error
	GetBackup(ctx context.Context, id types.BackupID) (types.ZeebeBackup, error)
	PauseExport(ctx context.Context) error
	ResumeExport(ctx context.Context) error
}

type OperateClient interface {
	CreateBackup(ctx context.Context, id types.BackupID) error
	GetBackup(ctx context.Context, id types.BackupID) (types.OperateBackup, error)
}

type SnapshotTaker interface {
	TakeSnapshot(ctx context.Context, indices []string, featureStates []string, name string) error
}

type ManifestWriter interface {
	Put(ctx context.Context, m catalog.Manifest) error
}

// CompensationError is returned when a backup failed and resuming the
// exporters afterwards failed as well.
type CompensationError struct {
	Err       error
	ResumeErr error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%v (resuming export afterwards also failed: %v)", e.Err, e.ResumeErr)
}

func (e *CompensationError) Unwrap() []error {
	return []error{e.Err, e.ResumeErr}
}

// Creator takes a consistent backup of Operate, the exported Zeebe records
// and Zeebe itself.
type Creator struct {
	zeebe   ZeebeClient
	operate OperateClient
	search  SnapshotTaker
	catalog ManifestWriter
	clock   clock.Clock
	policy  PollPolicy
	logger  logrus.FieldLogger
}

func NewCreator(zeebe ZeebeClient, operate OperateClient, search SnapshotTaker, clk clock.Clock, policy PollPolicy, logger logrus.FieldLogger) *Creator {
	return &Creator{
		zeebe:   zeebe,
		operate: operate,
		search:  search,
		clock:   clk,
		policy:  policy,
		logger:  logger,
	}
}

// WithCatalog records every successful backup in the catalog.
func (c *Creator) WithCatalog(w ManifestWriter) *Creator {
	c.catalog = w
	return c
}

// Create takes a new backup and returns its id. Whatever happens, exporting
// is resumed before Create returns.
func (c *Creator) Create(ctx context.Context) (types.BackupID, error) {
	id := types.BackupID(c.clock.Now().Unix())
	log := c.logger.WithField("backup_id", id)
	log.Info("Creating backup")

	operate, err := c.run(ctx, id, log)
	if err != nil {
		log.WithError(err).Warn("Backup failed, trying to resume Zeebe exporting")
		resumeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
		defer cancel()
		if rerr := c.zeebe.ResumeExport(resumeCtx); rerr != nil {
			return id, &CompensationError{Err: err, ResumeErr: rerr}
		}
		return id, err
	}

	log.Info("Backup created")
	c.record(ctx, id, operate, log)
	return id, nil
}

func (c *Creator) run(ctx context.Context, id types.BackupID, log logrus.FieldLogger) (types.OperateBackup, error) {
	operate, err := c.backupOperate(ctx, id, log.WithField("component", "operate"))
	if err != nil {
		return operate, err
	}
	if err := c.zeebe.PauseExport(ctx); err != nil {
		return operate, err
	}
	if err := c.search.TakeSnapshot(ctx, ExportIndices, ExportFeatureStates, id.ExportSnapshotName()); err != nil {
		return operate, errors.Annotate(err, "backing up zeebe export")
	}
	if err := c.backupZeebe(ctx, id, log.WithField("component", "zeebe")); err != nil {
		return operate, err
	}
	return operate, c.zeebe.ResumeExport(ctx)
}

func (c *Creator) backupOperate(ctx context.Context, id types.BackupID, log logrus.FieldLogger) (types.OperateBackup, error) {
	var last types.OperateBackup
	if err := c.operate.CreateBackup(ctx, id); err != nil {
		return last, err
	}
	err := waitForCompletion(ctx, c.clock, c.policy, log, func(ctx context.Context) (types.BackupState, error) {
		desc, err := c.operate.GetBackup(ctx, id)
		if err != nil {
			return "", err
		}
		last = desc
		return desc.State, nil
	})
	return last, errors.Annotate(err, "backing up operate")
}

func (c *Creator) backupZeebe(ctx context.Context, id types.BackupID, log logrus.FieldLogger) error {
	if err := c.zeebe.CreateBackup(ctx, id); err != nil {
		return err
	}
	err := waitForCompletion(ctx, c.clock, c.policy, log, func(ctx context.Context) (types.BackupState, error) {
		desc, err := c.zeebe.GetBackup(ctx, id)
		if err != nil {
			return "", err
		}
		return desc.State, nil
	})
	return errors.Annotate(err, "backing up zeebe")
}

func (c *Creator) record(ctx context.Context, id types.BackupID, operate types.OperateBackup, log logrus.FieldLogger) {
	if c.catalog == nil {
		return
	}
	m := catalog.Manifest{
		BackupID:     id,
		CreatedAt:    id.Time(),
		Snapshots:    SnapshotSet(id, operate),
		ZeebeState:   types.StateCompleted,
		OperateState: operate.State,
	}
	if err := c.catalog.Put(ctx, m); err != nil {
		log.WithError(err).Warn("Could not record backup in catalog")
	}
}

// SnapshotSet returns the search engine snapshots that make up a backup: the
// Zeebe export snapshot followed by the snapshots reported by Operate.
func SnapshotSet(id types.BackupID, operate types.OperateBackup) []string {
	snapshots := []string{id.ExportSnapshotName()}
	seen := map[string]bool{snapshots[0]: true}
	for _, d := range operate.Details {
		if d.SnapshotName == "" || seen[d.SnapshotName] {
			continue
		}
		seen[d.SnapshotName] = true
		snapshots = append(snapshots, d.SnapshotName)
	}
	return snapshots
}
