package config

import (
	"github.com/juju/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Kube holds the cluster connection shared by all commands.
type Kube struct {
	Client    kubernetes.Interface
	Config    *rest.Config
	Namespace string
}

// BuildKube connects to the cluster from an explicit kubeconfig, the
// in-cluster service account or the default kubeconfig, in that order.
// An empty namespace falls back to the namespace of the active context.
func BuildKube(kubeconfig, namespace string) (*Kube, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})

	var (
		config *rest.Config
		err    error
	)
	if kubeconfig != "" {
		config, err = clientConfig.ClientConfig()
	} else {
		config, err = rest.InClusterConfig()
		if err != nil {
			config, err = clientConfig.ClientConfig()
		}
	}
	if err != nil {
		return nil, errors.Annotate(err, "loading kubeconfig")
	}

	if namespace == "" {
		namespace, _, err = clientConfig.Namespace()
		if err != nil {
			return nil, errors.Annotate(err, "resolving namespace")
		}
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Kube{Client: client, Config: config, Namespace: namespace}, nil
}
