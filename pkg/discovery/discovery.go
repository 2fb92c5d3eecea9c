package discovery

import (
	"context"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

// Discoverer finds the workloads and volumes of a Camunda installation by label.
type Discoverer struct {
	client    kubernetes.Interface
	namespace string
	logger    logrus.FieldLogger
}

func New(client kubernetes.Interface, namespace string, logger logrus.FieldLogger) *Discoverer {
	return &Discoverer{
		client:    client,
		namespace: namespace,
		logger:    logger.WithField("component", "discovery"),
	}
}

// Workloads returns all Deployments and StatefulSets matching selector,
// deployments first.
func (d *Discoverer) Workloads(ctx context.Context, selector string) ([]*types.WorkloadInfo, error) {
	d.logger.Debugf("Listing workloads in %s with selector %q", d.namespace, selector)
	opts := metav1.ListOptions{LabelSelector: selector}

	deps, err := d.client.AppsV1().Deployments(d.namespace).List(ctx, opts)
	if err != nil {
		return nil, errors.Annotate(err, "listing deployments")
	}
	sets, err := d.client.AppsV1().StatefulSets(d.namespace).List(ctx, opts)
	if err != nil {
		return nil, errors.Annotate(err, "listing statefulsets")
	}

	var workloads []*types.WorkloadInfo
	for i := range deps.Items {
		workloads = append(workloads, deploymentInfo(&deps.Items[i]))
	}
	for i := range sets.Items {
		workloads = append(workloads, statefulSetInfo(&sets.Items[i]))
	}
	d.logger.Debugf("Found %d workload(s)", len(workloads))
	return workloads, nil
}

// PVCs returns the PersistentVolumeClaims matching selector in the order the
// API server lists them. It fails if there are none.
func (d *Discoverer) PVCs(ctx context.Context, selector string) ([]types.PVCInfo, error) {
	d.logger.Debugf("Listing PVCs in %s with selector %q", d.namespace, selector)

	pvcList, err := d.client.CoreV1().PersistentVolumeClaims(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, errors.Annotate(err, "listing PVCs")
	}
	if len(pvcList.Items) == 0 {
		return nil, errors.NotFoundf("PVCs with selector %q in namespace %q", selector, d.namespace)
	}

	pvcs := make([]types.PVCInfo, 0, len(pvcList.Items))
	for _, pvc := range pvcList.Items {
		d.logger.Debugf("PVC %s -> PV %s", pvc.Name, pvc.Spec.VolumeName)
		pvcs = append(pvcs, types.PVCInfo{
			Namespace: pvc.Namespace,
			PVCName:   pvc.Name,
			PVName:    pvc.Spec.VolumeName,
		})
	}
	return pvcs, nil
}

// StatefulSet returns the first StatefulSet matching selector.
func (d *Discoverer) StatefulSet(ctx context.Context, selector string) (*appsv1.StatefulSet, error) {
	sets, err := d.client.AppsV1().StatefulSets(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, errors.Annotate(err, "listing statefulsets")
	}
	if len(sets.Items) == 0 {
		return nil, errors.NotFoundf("statefulset with selector %q in namespace %q", selector, d.namespace)
	}
	ss := &sets.Items[0]
	d.logger.Debugf("Using statefulset %s", ss.Name)
	return ss, nil
}

func deploymentInfo(dep *appsv1.Deployment) *types.WorkloadInfo {
	var replicas int32 = 1
	if dep.Spec.Replicas != nil {
		replicas = *dep.Spec.Replicas
	}
	return &types.WorkloadInfo{
		Kind:             "Deployment",
		Name:             dep.Name,
		Namespace:        dep.Namespace,
		OriginalReplicas: replicas,
	}
}

func statefulSetInfo(ss *appsv1.StatefulSet) *types.WorkloadInfo {
	var replicas int32 = 1
	if ss.Spec.Replicas != nil {
		replicas = *ss.Spec.Replicas
	}
	return &types.WorkloadInfo{
		Kind:             "StatefulSet",
		Name:             ss.Name,
		Namespace:        ss.Namespace,
		OriginalReplicas: replicas,
	}
}
