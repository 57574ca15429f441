package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/lsst-sqre/cachemachine/internal/puller"
)

// inClusterNamespaceFile is where the serviceaccount admission controller
// mounts the pod's own namespace.
const inClusterNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Duration is a time.Duration that reads from YAML in Go's "1m30s" form.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)

	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Resources map[string]string

func (r Resources) ToResourcesList() (corev1.ResourceList, error) {
	rList := corev1.ResourceList{}
	for rName, rVal := range r {
		qty, err := resource.ParseQuantity(rVal)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", rName, err)
		}
		rList[corev1.ResourceName(rName)] = qty
	}

	return rList, nil
}

type ContainerResources struct {
	Limits   Resources `yaml:"limits"`
	Requests Resources `yaml:"requests"`
}

// PullerConfig shapes the pull daemonsets and the completion poll.
type PullerConfig struct {
	Namespace            string             `yaml:"namespace"`
	Command              []string           `yaml:"command"`
	Resources            ContainerResources `yaml:"resources"`
	ImagePullSecretNames []string           `yaml:"image_pull_secret_names"`
	PollInterval         Duration           `yaml:"poll_interval"`
	PullTimeout          Duration           `yaml:"pull_timeout"`
}

func (p *PullerConfig) ToPullerConfig() (puller.Config, error) {
	limits, err := p.Resources.Limits.ToResourcesList()
	if err != nil {
		return puller.Config{}, fmt.Errorf("puller limits invalid: %w", err)
	}
	requests, err := p.Resources.Requests.ToResourcesList()
	if err != nil {
		return puller.Config{}, fmt.Errorf("puller requests invalid: %w", err)
	}

	return puller.Config{
		Namespace:       p.Namespace,
		PullSecretNames: p.ImagePullSecretNames,
		Command:         p.Command,
		Resources:       corev1.ResourceRequirements{Limits: limits, Requests: requests},
		PollInterval:    p.PollInterval.Std(),
		PullTimeout:     p.PullTimeout.Std(),
	}, nil
}

type RegistryConfig struct {
	DefaultRegistry string `yaml:"default_registry"`
}

type LoggerConfig struct {
	System string `yaml:"system"`
	Level  string `yaml:"level"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

type MetricsConfig struct {
	Path string `yaml:"path"`
	Port int    `yaml:"port"`
}

type PprofConfig struct {
	EnableServerPprof bool `yaml:"enable"`
	Port              int  `yaml:"port"`
}

type HealthConfig struct {
	Port          int    `yaml:"port"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LeaderElectionConfig struct {
	InstanceID string `yaml:"instance_id"`
	Name       string `yaml:"lock_name"`
	Namespace  string `yaml:"lock_namespace"`
}

type Config struct {
	LoggerConfig         LoggerConfig         `yaml:"logger"`
	API                  APIConfig            `yaml:"api"`
	Metrics              MetricsConfig        `yaml:"metrics"`
	Pprof                PprofConfig          `yaml:"pprof"`
	Health               HealthConfig         `yaml:"health"`
	LeaderElectionConfig LeaderElectionConfig `yaml:"leader_election"`
	Registry             RegistryConfig       `yaml:"registry"`
	TickInterval         Duration             `yaml:"tick_interval"`
	Puller               PullerConfig         `yaml:"puller"`
}

func ParseConfig(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	contents = []byte(os.ExpandEnv(string(contents)))

	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.LoggerConfig.System == "" {
		cfg.LoggerConfig.System = "cachemachine"
	}
	if cfg.LoggerConfig.Level == "" {
		cfg.LoggerConfig.Level = "info"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Pprof.Port == 0 {
		cfg.Pprof.Port = 6060
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8081
	}
	if cfg.Health.LivenessPath == "" {
		cfg.Health.LivenessPath = "/healthz"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/readyz"
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = Duration(60 * time.Second)
	}

	if cfg.Puller.Namespace == "" {
		cfg.Puller.Namespace = currentNamespace()
	}
	if len(cfg.Puller.Command) == 0 {
		cfg.Puller.Command = []string{"/bin/sh", "-c", "sleep 1200"}
	}
	if cfg.Puller.PollInterval == 0 {
		cfg.Puller.PollInterval = Duration(5 * time.Second)
	}
	if cfg.Puller.PullTimeout == 0 {
		cfg.Puller.PullTimeout = Duration(30 * time.Minute)
	}

	if cfg.LeaderElectionConfig.InstanceID == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.LeaderElectionConfig.InstanceID = hostname
		}
	}
	if cfg.LeaderElectionConfig.Name == "" {
		cfg.LeaderElectionConfig.Name = "cachemachine"
	}
	if cfg.LeaderElectionConfig.Namespace == "" {
		cfg.LeaderElectionConfig.Namespace = cfg.Puller.Namespace
	}
}

func (cfg *Config) validate() error {
	if _, err := zerolog.ParseLevel(cfg.LoggerConfig.Level); err != nil {
		return fmt.Errorf("logger.level %q is not a log level", cfg.LoggerConfig.Level)
	}

	if cfg.LeaderElectionConfig.InstanceID == "" {
		return fmt.Errorf("leader_election.instance_id should be set")
	}

	if cfg.TickInterval.Std() < time.Second {
		return fmt.Errorf("tick_interval should be at least a second")
	}
	if cfg.Puller.PullTimeout <= cfg.Puller.PollInterval {
		return fmt.Errorf("puller.pull_timeout should exceed puller.poll_interval")
	}

	if _, err := cfg.Puller.Resources.Requests.ToResourcesList(); err != nil {
		return fmt.Errorf("puller.resources.requests cannot be converted into corev1.ResourceList: %w", err)
	}
	if _, err := cfg.Puller.Resources.Limits.ToResourcesList(); err != nil {
		return fmt.Errorf("puller.resources.limits cannot be converted into corev1.ResourceList: %w", err)
	}

	return nil
}

// currentNamespace is the namespace this process runs in, read the way the
// downward API publishes it. Outside a cluster it falls back to "default".
func currentNamespace() string {
	if raw, err := os.ReadFile(inClusterNamespaceFile); err == nil {
		if ns := strings.TrimSpace(string(raw)); ns != "" {
			return ns
		}
	}

	return "default"
}
