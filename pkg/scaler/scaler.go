package scaler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

const (
	pollInterval       = 2 * time.Second
	DefaultWaitTimeout = 5 * time.Minute
)

// Scaler shuts workloads down and starts them again with their original
// replica counts.
type Scaler struct {
	client      kubernetes.Interface
	waitTimeout time.Duration
	logger      logrus.FieldLogger
}

func New(client kubernetes.Interface, waitTimeout time.Duration, logger logrus.FieldLogger) *Scaler {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Scaler{client: client, waitTimeout: waitTimeout, logger: logger.WithField("component", "scaler")}
}

// Capture records the current replica counts of the workloads.
func Capture(namespace string, workloads []*types.WorkloadInfo) (*types.RestartableApps, error) {
	apps := &types.RestartableApps{
		Namespace:    namespace,
		Deployments:  map[string]int32{},
		StatefulSets: map[string]int32{},
	}
	for _, w := range workloads {
		switch w.Kind {
		case "Deployment":
			apps.Deployments[w.Name] = w.OriginalReplicas
		case "StatefulSet":
			apps.StatefulSets[w.Name] = w.OriginalReplicas
		default:
			return nil, errors.NotSupportedf("workload kind %s", w.Kind)
		}
	}
	return apps, nil
}

// Shutdown records the replica counts of all workloads, scales them to 0 and
// waits until their pods are gone. The returned apps restart exactly what
// was shut down.
func (s *Scaler) Shutdown(ctx context.Context, namespace string, workloads []*types.WorkloadInfo) (*types.RestartableApps, error) {
	apps, err := Capture(namespace, workloads)
	if err != nil {
		return nil, err
	}

	for _, w := range workloads {
		s.logger.Debugf("Scaling %s/%s to 0 (was %d)", w.Kind, w.Name, w.OriginalReplicas)
		if err := s.setReplicas(ctx, namespace, w.Kind, w.Name, 0); err != nil {
			return apps, errors.Annotatef(err, "scaling down %s/%s", w.Kind, w.Name)
		}
		s.logger.Infof("Shut down %s", w.Name)
	}

	for _, w := range workloads {
		if err := s.waitForZero(ctx, namespace, w.Kind, w.Name); err != nil {
			return apps, errors.Annotatef(err, "waiting for %s/%s to scale down", w.Kind, w.Name)
		}
		s.logger.Debugf("%s/%s scaled down", w.Kind, w.Name)
	}
	return apps, nil
}

// Restart scales every recorded workload back to its recorded replica count.
// It keeps going after a failure and returns the first error.
func (s *Scaler) Restart(ctx context.Context, apps *types.RestartableApps) error {
	s.logger.Info("Starting apps")

	var firstErr error
	restart := func(kind string, replicas map[string]int32) {
		for _, name := range sortedNames(replicas) {
			count := replicas[name]
			s.logger.Debugf("Restoring %s/%s to %d replicas", kind, name, count)
			if err := s.setReplicas(ctx, apps.Namespace, kind, name, count); err != nil {
				s.logger.WithError(err).Errorf("Failed to restore %s/%s", kind, name)
				if firstErr == nil {
					firstErr = errors.Annotatef(err, "restoring %s/%s", kind, name)
				}
				continue
			}
			s.logger.Infof("Started %s", name)
		}
	}
	restart("Deployment", apps.Deployments)
	restart("StatefulSet", apps.StatefulSets)
	return firstErr
}

func (s *Scaler) setReplicas(ctx context.Context, namespace, kind, name string, replicas int32) error {
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))

	switch kind {
	case "Deployment":
		_, err := s.client.AppsV1().Deployments(namespace).Patch(ctx, name, k8stypes.MergePatchType, patch, metav1.PatchOptions{})
		return err

	case "StatefulSet":
		_, err := s.client.AppsV1().StatefulSets(namespace).Patch(ctx, name, k8stypes.MergePatchType, patch, metav1.PatchOptions{})
		return err

	default:
		return errors.NotSupportedf("workload kind %s", kind)
	}
}

// waitForZero waits until the workload reports no replicas and no pod
// matching its selector is left. Terminating pods are not counted in the
// workload status, but they still hold their volumes.
func (s *Scaler) waitForZero(ctx context.Context, namespace, kind, name string) error {
	return wait.PollUntilContextTimeout(ctx, pollInterval, s.waitTimeout, true, func(ctx context.Context) (bool, error) {
		replicas, selector, err := s.current(ctx, namespace, kind, name)
		if err != nil {
			return false, err
		}
		pods, err := s.podsLeft(ctx, namespace, selector)
		if err != nil {
			return false, err
		}
		s.logger.Debugf("%s/%s: %d replicas, %d pods left", kind, name, replicas, pods)
		return replicas == 0 && pods == 0, nil
	})
}

// current returns the replica count in the workload status and its pod
// selector.
func (s *Scaler) current(ctx context.Context, namespace, kind, name string) (int32, *metav1.LabelSelector, error) {
	switch kind {
	case "Deployment":
		dep, err := s.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return 0, nil, err
		}
		return dep.Status.Replicas, dep.Spec.Selector, nil

	case "StatefulSet":
		ss, err := s.client.AppsV1().StatefulSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return 0, nil, err
		}
		return ss.Status.Replicas, ss.Spec.Selector, nil

	default:
		return 0, nil, errors.NotSupportedf("workload kind %s", kind)
	}
}

func (s *Scaler) podsLeft(ctx context.Context, namespace string, ls *metav1.LabelSelector) (int, error) {
	if ls == nil {
		return 0, nil
	}
	selector, err := metav1.LabelSelectorAsSelector(ls)
	if err != nil {
		return 0, errors.Annotate(err, "parsing pod selector")
	}
	// An empty selector would match every pod in the namespace.
	if selector.Empty() {
		return 0, nil
	}
	pods, err := s.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return 0, errors.Annotate(err, "listing pods")
	}
	return len(pods.Items), nil
}

func sortedNames(m map[string]int32) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
