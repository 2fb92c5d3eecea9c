package restore

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

// Job phases. A job is named "<phase>-<pvc>".
const (
	PhaseDelete  = "delete"
	PhaseRestore = "restore"
)

const (
	dataVolume = "data"

	labelManagedBy = "app.kubernetes.io/managed-by"
	labelPhase     = "camunda-backup/phase"
	managedBy      = "camunda-backup"
)

// JobOptions configures the jobs that wipe and restore broker volumes.
type JobOptions struct {
	DataDir        string // mount path of the broker data volume
	WipeImage      string
	RestoreBinary  string
	NodeIDVariable string
}

func DefaultJobOptions() JobOptions {
	return JobOptions{
		DataDir:        "/usr/local/zeebe/data",
		WipeImage:      "busybox:latest",
		RestoreBinary:  "/usr/local/zeebe/bin/restore",
		NodeIDVariable: "ZEEBE_BROKER_CLUSTER_NODEID",
	}
}

// JobName returns the name of the job running phase against a PVC.
func JobName(phase, pvc string) string {
	return phase + "-" + pvc
}

// ParseJobName is the inverse of JobName.
func ParseJobName(name string) (phase, pvc string, ok bool) {
	for _, p := range []string{PhaseDelete, PhaseRestore} {
		if rest, found := strings.CutPrefix(name, p+"-"); found && rest != "" {
			return p, rest, true
		}
	}
	return "", "", false
}

// NodeID returns the broker node id encoded in the trailing ordinal of a
// PVC created from a StatefulSet volume claim template, e.g.
// "data-camunda-zeebe-2" belongs to node 2.
func NodeID(pvc string) (int, error) {
	i := strings.LastIndexByte(pvc, '-')
	if i < 0 {
		return 0, errors.NotValidf("PVC name %q without -<ordinal> suffix", pvc)
	}
	id, err := strconv.Atoi(pvc[i+1:])
	if err != nil || id < 0 {
		return 0, errors.NotValidf("PVC name %q with ordinal %q", pvc, pvc[i+1:])
	}
	return id, nil
}

// DeletionJob builds the job that clears the data directory of a PVC.
func DeletionJob(pvc string, opts JobOptions) (*batchv1.Job, error) {
	name := JobName(PhaseDelete, pvc)
	if err := validateName(name); err != nil {
		return nil, err
	}
	container := corev1.Container{
		Name:         "delete-zeebe",
		Image:        opts.WipeImage,
		Command:      []string{"/bin/sh", "-c", "rm -rf " + strings.TrimRight(opts.DataDir, "/") + "/*"},
		VolumeMounts: []corev1.VolumeMount{{Name: dataVolume, MountPath: opts.DataDir}},
	}
	return volumeJob(name, PhaseDelete, pvc, corev1.PodSpec{Containers: []corev1.Container{container}}), nil
}

// RestorationJob builds the job that restores the broker data of a PVC from
// a backup. Image, environment and service account are taken from the
// broker StatefulSet so the restore runs with the broker's configuration.
func RestorationJob(id types.BackupID, pvc string, broker *appsv1.StatefulSet, opts JobOptions) (*batchv1.Job, error) {
	name := JobName(PhaseRestore, pvc)
	if err := validateName(name); err != nil {
		return nil, err
	}
	nodeID, err := NodeID(pvc)
	if err != nil {
		return nil, err
	}
	template := broker.Spec.Template.Spec
	if len(template.Containers) == 0 {
		return nil, errors.NotValidf("statefulset %s without containers", broker.Name)
	}
	source := template.Containers[0]
	if source.Image == "" {
		return nil, errors.NotValidf("statefulset %s container without image", broker.Name)
	}

	container := corev1.Container{
		Name:         "restore-zeebe",
		Image:        source.Image,
		Command:      []string{opts.RestoreBinary, "--backupId=" + id.String()},
		Env:          withEnv(source.Env, opts.NodeIDVariable, strconv.Itoa(nodeID)),
		EnvFrom:      source.EnvFrom,
		VolumeMounts: []corev1.VolumeMount{{Name: dataVolume, MountPath: opts.DataDir}},
	}
	spec := corev1.PodSpec{
		ServiceAccountName: template.ServiceAccountName,
		Containers:         []corev1.Container{container},
	}
	return volumeJob(name, PhaseRestore, pvc, spec), nil
}

func volumeJob(name, phase, pvc string, spec corev1.PodSpec) *batchv1.Job {
	spec.RestartPolicy = corev1.RestartPolicyNever
	spec.Volumes = []corev1.Volume{{
		Name: dataVolume,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: pvc},
		},
	}}
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{labelManagedBy: managedBy, labelPhase: phase},
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{Spec: spec},
		},
	}
}

// withEnv returns a copy of env with name set to value, replacing an
// existing entry of the same name.
func withEnv(env []corev1.EnvVar, name, value string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env)+1)
	for _, e := range env {
		if e.Name != name {
			out = append(out, e)
		}
	}
	return append(out, corev1.EnvVar{Name: name, Value: value})
}

func validateName(name string) error {
	if msgs := validation.IsDNS1123Subdomain(name); len(msgs) > 0 {
		return errors.NotValidf("job name %q: %s", name, strings.Join(msgs, "; "))
	}
	return nil
}
