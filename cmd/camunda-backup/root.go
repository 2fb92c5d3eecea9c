package main

import (
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/actuator"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/backup"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/catalog"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/config"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/elasticsearch"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/gateway"
)

// Component names. The direct transport maps them to URLs.
const (
	zeebeName         = "zeebe-gateway"
	operateName       = "operate"
	elasticsearchName = "elasticsearch"
)

// cli carries the state shared by all commands. Everything but the logger is
// set up lazily, so commands only connect to what they use.
type cli struct {
	logger *logrus.Logger
	cfg    *config.Config
	kube   *config.Kube
}

type clients struct {
	zeebe   *actuator.Zeebe
	operate *actuator.Operate
	search  *elasticsearch.Client
}

func newRootCmd(logger *logrus.Logger) *cobra.Command {
	c := &cli{logger: logger}

	root := &cobra.Command{
		Use:           "camunda-backup",
		Short:         "Back up and restore a Camunda installation running on Kubernetes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags(), logger)
			if err != nil {
				return err
			}
			config.ConfigureLogger(logger, cfg)
			c.cfg = cfg
			return nil
		},
	}
	config.Flags(root.PersistentFlags())

	root.AddCommand(newCreateCmd(c), newListCmd(c), newRestoreCmd(c))
	return root
}

func (c *cli) kubernetes() (*config.Kube, error) {
	if c.kube != nil {
		return c.kube, nil
	}
	kube, err := config.BuildKube(c.cfg.Kubeconfig, c.cfg.Namespace)
	if err != nil {
		return nil, errors.Annotate(err, "creating Kubernetes client")
	}
	c.logger.Debugf("Using namespace %s", kube.Namespace)
	c.kube = kube
	return kube, nil
}

func (c *cli) components() (zeebe, operate, search gateway.Component) {
	comp := func(name string, cfg config.Component) gateway.Component {
		return gateway.Component{Name: name, Selector: cfg.Selector, Port: cfg.Port}
	}
	return comp(zeebeName, c.cfg.Components.Zeebe),
		comp(operateName, c.cfg.Components.Operate),
		comp(elasticsearchName, c.cfg.Components.Elasticsearch)
}

func (c *cli) gateway() (gateway.Gateway, error) {
	if c.cfg.Transport == config.TransportDirect {
		return gateway.NewDirect(map[string]string{
			zeebeName:         c.cfg.Components.Zeebe.URL,
			operateName:       c.cfg.Components.Operate.URL,
			elasticsearchName: c.cfg.Components.Elasticsearch.URL,
		}, nil)
	}
	kube, err := c.kubernetes()
	if err != nil {
		return nil, err
	}
	return gateway.NewPortForward(kube.Client, kube.Config, kube.Namespace, c.logger), nil
}

func (c *cli) clients() (*clients, error) {
	gw, err := c.gateway()
	if err != nil {
		return nil, err
	}
	zeebe, operate, search := c.components()
	return &clients{
		zeebe:   actuator.NewZeebe(gw, zeebe, c.logger),
		operate: actuator.NewOperate(gw, operate, c.logger),
		search:  elasticsearch.New(gw, search, c.logger),
	}, nil
}

// catalog returns nil when no catalog is configured.
func (c *cli) catalog() (*catalog.Catalog, error) {
	if !c.cfg.CatalogEnabled() {
		return nil, nil
	}
	creds, err := c.cfg.CatalogCredentials()
	if err != nil {
		return nil, errors.Annotate(err, "catalog")
	}
	return catalog.New(creds, c.logger)
}

func (c *cli) pollPolicy() backup.PollPolicy {
	return backup.PollPolicy{
		Interval:    c.cfg.Poll.Interval,
		MaxAttempts: c.cfg.Poll.MaxAttempts,
		FailFast:    c.cfg.Poll.FailFast,
	}
}
