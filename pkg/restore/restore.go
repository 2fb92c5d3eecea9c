// Package restore brings a Camunda installation back to the state of its
// newest usable backup.
package restore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/backup"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/discovery"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/scaler"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

type ZeebeClient interface {
	ListBackups(ctx context.Context) ([]types.ZeebeBackup, error)
}

type OperateClient interface {
	ListBackups(ctx context.Context) ([]types.OperateBackup, error)
	GetBackup(ctx context.Context, id types.BackupID) (types.OperateBackup, error)
}

type SnapshotClient interface {
	ListIndices(ctx context.Context) ([]string, error)
	DeleteIndex(ctx context.Context, name string) error
	RestoreSnapshot(ctx context.Context, name string) error
}

// Config selects the objects a restore acts on.
type Config struct {
	Namespace      string
	AppSelector    string // all workloads of the installation
	BrokerSelector string // broker StatefulSet and its PVCs
	// TrustZeebeOnly restores the newest backup Zeebe completed without
	// checking that Operate completed it too.
	TrustZeebeOnly  bool
	Jobs            JobOptions
	JobPollInterval time.Duration
	ScaleTimeout    time.Duration
}

func DefaultConfig(namespace string) Config {
	return Config{
		Namespace:       namespace,
		AppSelector:     "app.kubernetes.io/part-of=camunda-platform",
		BrokerSelector:  "app.kubernetes.io/component=zeebe-broker",
		Jobs:            DefaultJobOptions(),
		JobPollInterval: 2 * time.Second,
		ScaleTimeout:    scaler.DefaultWaitTimeout,
	}
}

// Restorer runs a full restore.
type Restorer struct {
	client    kubernetes.Interface
	discovery *discovery.Discoverer
	scaler    *scaler.Scaler
	zeebe     ZeebeClient
	operate   OperateClient
	search    SnapshotClient
	cfg       Config
	logger    logrus.FieldLogger
}

func New(client kubernetes.Interface, zeebe ZeebeClient, operate OperateClient, search SnapshotClient, cfg Config, logger logrus.FieldLogger) *Restorer {
	if cfg.JobPollInterval <= 0 {
		cfg.JobPollInterval = 2 * time.Second
	}
	return &Restorer{
		client:    client,
		discovery: discovery.New(client, cfg.Namespace, logger),
		scaler:    scaler.New(client, cfg.ScaleTimeout, logger),
		zeebe:     zeebe,
		operate:   operate,
		search:    search,
		cfg:       cfg,
		logger:    logger.WithField("component", "restore"),
	}
}

// Restore shuts the installation down, replaces indices and broker data with
// the newest usable backup and starts the installation again. A failure
// after shutdown leaves the installation scaled down.
func (r *Restorer) Restore(ctx context.Context) error {
	b, err := r.FindBackup(ctx)
	if err != nil {
		return errors.Annotate(err, "finding backup")
	}

	apps, err := r.shutdown(ctx)
	if err != nil {
		return errors.Annotate(err, "shutting down")
	}

	if err := r.run(ctx, b); err != nil {
		r.logger.WithField("backup_id", b.ID).Errorf("Restore failed, workloads stay scaled down: %s", describe(apps))
		return err
	}

	if err := r.scaler.Restart(ctx, apps); err != nil {
		return errors.Annotate(err, "starting apps")
	}
	r.logger.WithField("backup_id", b.ID).Info("Restore finished")
	return nil
}

func (r *Restorer) run(ctx context.Context, b *types.Backup) error {
	if err := r.deleteIndices(ctx); err != nil {
		return errors.Annotate(err, "deleting indices")
	}
	if err := r.restoreIndices(ctx, b); err != nil {
		return errors.Annotate(err, "restoring indices")
	}
	if err := r.deleteZeebeData(ctx); err != nil {
		return errors.Annotate(err, "deleting zeebe data")
	}
	if err := r.restoreZeebeData(ctx, b); err != nil {
		return errors.Annotate(err, "restoring zeebe data")
	}
	return nil
}

// FindBackup resolves the backup to restore and the snapshots it consists of.
func (r *Restorer) FindBackup(ctx context.Context) (*types.Backup, error) {
	zeebeBackups, err := r.zeebe.ListBackups(ctx)
	if err != nil {
		return nil, err
	}

	var (
		id types.BackupID
		ok bool
	)
	if r.cfg.TrustZeebeOnly {
		id, ok = backup.NewestCompleted(zeebeBackups)
	} else {
		operateBackups, err := r.operate.ListBackups(ctx)
		if err != nil {
			return nil, err
		}
		id, ok = backup.FindUsableBackup(zeebeBackups, operateBackups)
	}
	if !ok {
		return nil, errors.NotFoundf("completed backup")
	}

	operate, err := r.operate.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	log := r.logger.WithField("backup_id", id)
	if operate.State != types.StateCompleted {
		log.Warnf("Operate reports backup as %s", operate.State)
	}

	b := &types.Backup{ID: id, Snapshots: backup.SnapshotSet(id, operate)}
	log.WithField("snapshots", b.Snapshots).Info("Using backup")
	return b, nil
}

func (r *Restorer) shutdown(ctx context.Context) (*types.RestartableApps, error) {
	workloads, err := r.discovery.Workloads(ctx, r.cfg.AppSelector)
	if err != nil {
		return nil, err
	}
	apps, err := r.scaler.Shutdown(ctx, r.cfg.Namespace, workloads)
	if err != nil {
		if apps != nil {
			r.logger.Errorf("Shutdown failed, original replicas: %s", describe(apps))
		}
		return nil, err
	}
	r.logger.Infof("Shut down %d workload(s)", apps.Len())
	return apps, nil
}

func (r *Restorer) deleteIndices(ctx context.Context) error {
	indices, err := r.search.ListIndices(ctx)
	if err != nil {
		return err
	}
	for _, index := range indices {
		if err := r.search.DeleteIndex(ctx, index); err != nil {
			return err
		}
	}
	return nil
}

func (r *Restorer) restoreIndices(ctx context.Context, b *types.Backup) error {
	for _, snapshot := range b.Snapshots {
		if err := r.search.RestoreSnapshot(ctx, snapshot); err != nil {
			return err
		}
	}
	return nil
}

func (r *Restorer) deleteZeebeData(ctx context.Context) error {
	pvcs, err := r.discovery.PVCs(ctx, r.cfg.BrokerSelector)
	if err != nil {
		return err
	}
	return r.runJobs(ctx, "Deleting broker data", "Deleted broker data", pvcs, func(pvc string) (*batchv1.Job, error) {
		return DeletionJob(pvc, r.cfg.Jobs)
	})
}

func (r *Restorer) restoreZeebeData(ctx context.Context, b *types.Backup) error {
	broker, err := r.discovery.StatefulSet(ctx, r.cfg.BrokerSelector)
	if err != nil {
		return err
	}
	pvcs, err := r.discovery.PVCs(ctx, r.cfg.BrokerSelector)
	if err != nil {
		return err
	}
	return r.runJobs(ctx, "Restoring broker data", "Restored broker data", pvcs, func(pvc string) (*batchv1.Job, error) {
		return RestorationJob(b.ID, pvc, broker, r.cfg.Jobs)
	})
}

// runJobs builds one job per PVC, submits all of them so they run in
// parallel, then waits for and deletes each in PVC order.
func (r *Restorer) runJobs(ctx context.Context, started, finished string, pvcs []types.PVCInfo, build func(pvc string) (*batchv1.Job, error)) error {
	jobs := make([]*batchv1.Job, 0, len(pvcs))
	for _, pvc := range pvcs {
		job, err := build(pvc.PVCName)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	api := r.client.BatchV1().Jobs(r.cfg.Namespace)
	for i, job := range jobs {
		if _, err := api.Create(ctx, job, metav1.CreateOptions{}); err != nil {
			return errors.Annotatef(err, "creating job %s", job.Name)
		}
		r.logger.WithFields(logrus.Fields{"job": job.Name, "pvc": pvcs[i].PVCName}).Info(started)
	}

	for i, job := range jobs {
		if err := r.awaitJob(ctx, job.Name); err != nil {
			return err
		}
		policy := metav1.DeletePropagationBackground
		if err := api.Delete(ctx, job.Name, metav1.DeleteOptions{PropagationPolicy: &policy}); err != nil {
			return errors.Annotatef(err, "deleting job %s", job.Name)
		}
		r.logger.WithFields(logrus.Fields{"job": job.Name, "pvc": pvcs[i].PVCName}).Info(finished)
	}
	return nil
}

// awaitJob blocks until the job completed. A failed job is an error.
func (r *Restorer) awaitJob(ctx context.Context, name string) error {
	api := r.client.BatchV1().Jobs(r.cfg.Namespace)
	err := wait.PollUntilContextCancel(ctx, r.cfg.JobPollInterval, true, func(ctx context.Context) (bool, error) {
		job, err := api.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		if jobCondition(job, batchv1.JobFailed) {
			return false, errors.Errorf("job %s failed", name)
		}
		return jobCondition(job, batchv1.JobComplete), nil
	})
	return errors.Annotatef(err, "waiting for job %s", name)
}

func jobCondition(job *batchv1.Job, typ batchv1.JobConditionType) bool {
	for _, c := range job.Status.Conditions {
		if c.Type == typ && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func describe(apps *types.RestartableApps) string {
	var parts []string
	add := func(kind string, m map[string]int32) {
		for name, n := range m {
			parts = append(parts, fmt.Sprintf("%s/%s=%d", kind, name, n))
		}
	}
	add("Deployment", apps.Deployments)
	add("StatefulSet", apps.StatefulSets)
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
