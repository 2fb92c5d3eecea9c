package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
)

// PortForward reaches components through a Kubernetes port-forward to one of
// their pods. Every request opens its own forward, which is torn down once
// the response body is closed.
type PortForward struct {
	client    kubernetes.Interface
	config    *rest.Config
	namespace string
	http      *http.Client
	logger    logrus.FieldLogger
}

func NewPortForward(client kubernetes.Interface, config *rest.Config, namespace string, logger logrus.FieldLogger) *PortForward {
	return &PortForward{
		client:    client,
		config:    config,
		namespace: namespace,
		http:      &http.Client{},
		logger:    logger.WithField("component", "gateway"),
	}
}

func (p *PortForward) Do(ctx context.Context, c Component, req *http.Request) (*http.Response, error) {
	pod, err := FindPod(ctx, p.client, p.namespace, c.Selector)
	if err != nil {
		return nil, errors.Annotatef(err, "locating %s", c.Name)
	}

	localPort, stop, err := p.forward(ctx, pod, c.Port)
	if err != nil {
		return nil, errors.Annotatef(err, "forwarding to %s/%s:%d", p.namespace, pod, c.Port)
	}

	out := req.Clone(ctx)
	out.URL.Scheme = "http"
	out.URL.Host = fmt.Sprintf("127.0.0.1:%d", localPort)
	out.Host = "127.0.0.1"

	resp, err := p.http.Do(out)
	if err != nil {
		stop()
		return nil, err
	}
	resp.Body = &forwardedBody{ReadCloser: resp.Body, stop: stop}
	return resp, nil
}

// forward opens a port-forward to the pod and returns the local port. The
// forwarder runs in a background goroutine whose failures are only logged;
// the request on top of it reports its own error.
func (p *PortForward) forward(ctx context.Context, pod string, port int) (uint16, func(), error) {
	transport, upgrader, err := spdy.RoundTripperFor(p.config)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	url := p.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(p.namespace).
		Name(pod).
		SubResource("portforward").
		URL()
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, url)

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(stopCh) }) }

	log := p.logger.WithField("pod", pod)
	fw, err := portforward.NewOnAddresses(dialer, []string{"127.0.0.1"}, []string{fmt.Sprintf("0:%d", port)},
		stopCh, readyCh, io.Discard, logWriter{log})
	if err != nil {
		return 0, nil, errors.Trace(err)
	}

	errCh := make(chan error, 1)
	go func() {
		err := fw.ForwardPorts()
		if err != nil {
			log.WithError(err).Error("Port-forward failed")
		} else {
			log.Debug("Port-forward closed")
		}
		errCh <- err
	}()

	select {
	case <-readyCh:
	case err := <-errCh:
		if err == nil {
			err = errors.New("port-forward closed before it was ready")
		}
		return 0, nil, err
	case <-ctx.Done():
		stop()
		return 0, nil, ctx.Err()
	}

	ports, err := fw.GetPorts()
	if err != nil {
		stop()
		return 0, nil, errors.Trace(err)
	}
	if len(ports) == 0 {
		stop()
		return 0, nil, errors.New("port-forward reported no ports")
	}
	log.Debugf("Forwarding 127.0.0.1:%d -> %d", ports[0].Local, ports[0].Remote)
	return ports[0].Local, stop, nil
}

// FindPod returns the name of the first running pod matching selector.
func FindPod(ctx context.Context, client kubernetes.Interface, namespace, selector string) (string, error) {
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", errors.Annotatef(err, "listing pods with selector %q", selector)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil {
			return pod.Name, nil
		}
	}
	return "", errors.NotFoundf("running pod with selector %q in namespace %q", selector, namespace)
}

type forwardedBody struct {
	io.ReadCloser
	stop func()
}

func (b *forwardedBody) Close() error {
	err := b.ReadCloser.Close()
	b.stop()
	return err
}

type logWriter struct {
	logger logrus.FieldLogger
}

func (w logWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.logger.Warn(msg)
	}
	return len(p), nil
}
