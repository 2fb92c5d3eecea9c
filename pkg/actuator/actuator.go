// Package actuator talks to the backup endpoints that Zeebe and Operate
// expose on their Spring actuator.
package actuator

import (
	"context"
	"net/http"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/gateway"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

const backupsPath = "/actuator/backups"

type takeBackupRequest struct {
	BackupID types.BackupID `json:"backupId"`
}

// Client is the backup API shared by Zeebe and Operate. D is the subsystem
// specific detail type of its backup descriptors.
type Client[D any] struct {
	gw        gateway.Gateway
	component gateway.Component
	logger    logrus.FieldLogger
}

func newClient[D any](gw gateway.Gateway, component gateway.Component, logger logrus.FieldLogger) Client[D] {
	return Client[D]{
		gw:        gw,
		component: component,
		logger:    logger.WithField("component", component.Name),
	}
}

// Component returns the component this client talks to.
func (c *Client[D]) Component() gateway.Component {
	return c.component
}

// CreateBackup starts a backup with the given id. It returns as soon as the
// subsystem accepted the request.
func (c *Client[D]) CreateBackup(ctx context.Context, id types.BackupID) error {
	err := gateway.Call(ctx, c.gw, c.component, http.MethodPost, backupsPath, takeBackupRequest{BackupID: id}, nil)
	if err != nil {
		return errors.Annotatef(err, "starting %s backup %s", c.component.Name, id)
	}
	c.logger.WithField("backup_id", id).Info("Started backup")
	return nil
}

// GetBackup returns the descriptor of a single backup.
func (c *Client[D]) GetBackup(ctx context.Context, id types.BackupID) (types.BackupDescriptor[D], error) {
	var desc types.BackupDescriptor[D]
	err := gateway.Call(ctx, c.gw, c.component, http.MethodGet, backupsPath+"/"+id.String(), nil, &desc)
	if err != nil {
		return desc, errors.Annotatef(err, "querying %s backup %s", c.component.Name, id)
	}
	c.logger.WithFields(logrus.Fields{"backup_id": id, "state": desc.State}).Debug("Queried backup")
	return desc, nil
}

// ListBackups returns all backups known to the subsystem.
func (c *Client[D]) ListBackups(ctx context.Context) ([]types.BackupDescriptor[D], error) {
	var descs []types.BackupDescriptor[D]
	if err := gateway.Call(ctx, c.gw, c.component, http.MethodGet, backupsPath, nil, &descs); err != nil {
		return nil, errors.Annotatef(err, "listing %s backups", c.component.Name)
	}
	c.logger.Debugf("Found %d backup(s)", len(descs))
	return descs, nil
}

// Operate is the backup client of the query service.
type Operate struct {
	Client[types.OperateDetails]
}

func NewOperate(gw gateway.Gateway, component gateway.Component, logger logrus.FieldLogger) *Operate {
	return &Operate{Client: newClient[types.OperateDetails](gw, component, logger)}
}

// Zeebe is the backup client of the workflow engine. Next to backups it
// controls the exporters.
type Zeebe struct {
	Client[types.ZeebeDetails]
}

func NewZeebe(gw gateway.Gateway, component gateway.Component, logger logrus.FieldLogger) *Zeebe {
	return &Zeebe{Client: newClient[types.ZeebeDetails](gw, component, logger)}
}

// PauseExport stops all exporters. Records are kept in the log until
// exporting is resumed.
func (z *Zeebe) PauseExport(ctx context.Context) error {
	if err := gateway.Call(ctx, z.gw, z.component, http.MethodPost, "/actuator/exporting/pause", nil, nil); err != nil {
		return errors.Annotate(err, "pausing export")
	}
	z.logger.Info("Paused exporting")
	return nil
}

// ResumeExport resumes all exporters. Resuming while not paused is a no-op.
func (z *Zeebe) ResumeExport(ctx context.Context) error {
	if err := gateway.Call(ctx, z.gw, z.component, http.MethodPost, "/actuator/exporting/resume", nil, nil); err != nil {
		return errors.Annotate(err, "resuming export")
	}
	z.logger.Info("Resumed exporting")
	return nil
}
