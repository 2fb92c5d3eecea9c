// Package config loads the tool configuration from flags, environment and
// an optional config file, and builds the shared clients from it.
package config

import (
	"path"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/catalog"
)

const (
	EnvPrefix         = "camunda_backup"
	DefaultConfigFile = "camunda-backup"

	TransportPortForward = "port-forward"
	TransportDirect      = "direct"
)

var defaultConfigPaths = []string{
	".",
	"./config",
	path.Join("/etc", DefaultConfigFile),
}

// Component locates one subsystem. Selector and Port are used with the
// port-forward transport, URL with the direct transport.
type Component struct {
	Selector string `mapstructure:"selector"`
	Port     int    `mapstructure:"port"`
	URL      string `mapstructure:"url"`
}

type Config struct {
	ConfigFile string `mapstructure:"config"`
	Kubeconfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`
	Verbose    bool   `mapstructure:"verbose"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Transport  string `mapstructure:"transport"`
	Components struct {
		Zeebe         Component `mapstructure:"zeebe"`
		Operate       Component `mapstructure:"operate"`
		Elasticsearch Component `mapstructure:"elasticsearch"`
	} `mapstructure:"components"`

	Poll struct {
		Interval    time.Duration `mapstructure:"interval"`
		MaxAttempts int           `mapstructure:"max-attempts"`
		FailFast    bool          `mapstructure:"fail-fast"`
	} `mapstructure:"poll"`

	Restore struct {
		TrustZeebeOnly  bool          `mapstructure:"trust-zeebe-only"`
		AppSelector     string        `mapstructure:"app-selector"`
		BrokerSelector  string        `mapstructure:"broker-selector"`
		JobPollInterval time.Duration `mapstructure:"job-poll-interval"`
		ScaleTimeout    time.Duration `mapstructure:"scale-timeout"`
		DataDir         string        `mapstructure:"data-dir"`
		WipeImage       string        `mapstructure:"wipe-image"`
		RestoreBinary   string        `mapstructure:"restore-binary"`
		NodeIDVariable  string        `mapstructure:"node-id-variable"`
	} `mapstructure:"restore"`

	Catalog struct {
		catalog.Credentials `mapstructure:",squash"`
		CredentialsFile     string `mapstructure:"credentials-file"`
	} `mapstructure:"catalog"`
}

// Flags registers the global command line flags.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Config file")
	fs.String("kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	fs.StringP("namespace", "n", "", "Namespace of the Camunda installation (default: namespace of the current context)")
	fs.BoolP("verbose", "v", false, "Verbose output")
	fs.String("log-format", "text", "Log format: text or json")
}

// SetDefaults registers the default of every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("transport", TransportPortForward)

	// Keys without a default are invisible to AutomaticEnv, so the empty ones
	// are registered too.
	v.SetDefault("components.zeebe.selector", "app.kubernetes.io/component=zeebe-gateway")
	v.SetDefault("components.zeebe.port", 9600)
	v.SetDefault("components.zeebe.url", "")
	v.SetDefault("components.operate.selector", "app.kubernetes.io/component=operate")
	v.SetDefault("components.operate.port", 8080)
	v.SetDefault("components.operate.url", "")
	v.SetDefault("components.elasticsearch.selector", "app=elasticsearch-master")
	v.SetDefault("components.elasticsearch.port", 9200)
	v.SetDefault("components.elasticsearch.url", "")

	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.max-attempts", 0)
	v.SetDefault("poll.fail-fast", true)

	v.SetDefault("restore.trust-zeebe-only", false)
	v.SetDefault("restore.app-selector", "app.kubernetes.io/part-of=camunda-platform")
	v.SetDefault("restore.broker-selector", "app.kubernetes.io/component=zeebe-broker")
	v.SetDefault("restore.job-poll-interval", 2*time.Second)
	v.SetDefault("restore.scale-timeout", 5*time.Minute)
	v.SetDefault("restore.data-dir", "/usr/local/zeebe/data")
	v.SetDefault("restore.wipe-image", "busybox:latest")
	v.SetDefault("restore.restore-binary", "/usr/local/zeebe/bin/restore")
	v.SetDefault("restore.node-id-variable", "ZEEBE_BROKER_CLUSTER_NODEID")

	v.SetDefault("catalog.endpoint", "")
	v.SetDefault("catalog.access-key-id", "")
	v.SetDefault("catalog.secret-access-key", "")
	v.SetDefault("catalog.bucket", "")
	v.SetDefault("catalog.prefix", "camunda-backups/")
	v.SetDefault("catalog.insecure", false)
	v.SetDefault("catalog.credentials-file", "")
}

// Load reads the configuration. Flags win over environment variables, which
// win over the config file.
func Load(fs *pflag.FlagSet, logger logrus.FieldLogger) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Trace(err)
	}
	if f := fs.Lookup("log-format"); f != nil {
		if err := v.BindPFlag("log.format", f); err != nil {
			return nil, errors.Trace(err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile := v.GetString("config"); configFile != "" {
		// An explicitly given config file must exist.
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Annotatef(err, "reading config file %s", configFile)
		}
	} else {
		v.SetConfigName(DefaultConfigFile)
		for _, dir := range defaultConfigPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Annotate(err, "reading config file")
			}
			logger.Debug("No config file found")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Annotate(err, "decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportPortForward:
	case TransportDirect:
		for name, comp := range c.components() {
			if comp.URL == "" {
				return errors.NotValidf("direct transport without url for %s", name)
			}
		}
	default:
		return errors.NotValidf("transport %q", c.Transport)
	}
	if c.Poll.Interval <= 0 {
		return errors.NotValidf("poll interval %s", c.Poll.Interval)
	}
	if c.Poll.MaxAttempts < 0 {
		return errors.NotValidf("poll max-attempts %d", c.Poll.MaxAttempts)
	}
	return nil
}

func (c *Config) components() map[string]Component {
	return map[string]Component{
		"zeebe":         c.Components.Zeebe,
		"operate":       c.Components.Operate,
		"elasticsearch": c.Components.Elasticsearch,
	}
}

// CatalogEnabled reports whether a backup catalog is configured.
func (c *Config) CatalogEnabled() bool {
	return c.Catalog.Bucket != "" || c.Catalog.CredentialsFile != ""
}

// CatalogCredentials returns the catalog credentials, read from the
// credentials file if one is configured. A file without a prefix gets the
// configured one.
func (c *Config) CatalogCredentials() (*catalog.Credentials, error) {
	if c.Catalog.CredentialsFile != "" {
		creds, err := catalog.LoadCredentials(c.Catalog.CredentialsFile)
		if err != nil {
			return nil, err
		}
		if creds.Prefix == "" {
			creds.Prefix = c.Catalog.Prefix
		}
		return creds, nil
	}
	creds := c.Catalog.Credentials
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}
