// Package config loads the scalewatchd daemon configuration.
//
// The file is YAML. Every field has a default, and a handful can be
// overridden from SCALEWATCH_* environment variables, which win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"scalewatch/internal/monitor"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	BackendEtcd   = "etcd"
	BackendMemory = "memory"

	OrchestratorKubernetes = "kubernetes"
	OrchestratorSwarm      = "swarm"

	envPrefix = "SCALEWATCH_"
)

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TLS struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TLS         TLS           `yaml:"tls"`
}

type Coordination struct {
	Backend           string        `yaml:"backend"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	RenewInterval     time.Duration `yaml:"renew_interval"`
	AcquireInterval   time.Duration `yaml:"acquire_interval"`
	MaxMissedRenewals int           `yaml:"max_missed_renewals"`
	Etcd              Etcd          `yaml:"etcd"`
}

type Orchestrator struct {
	Backend    string `yaml:"backend"`
	Kubeconfig string `yaml:"kubeconfig"`
	MasterURL  string `yaml:"master_url"`
}

type Archive struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type Reconcile struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type NTP struct {
	Enabled   bool          `yaml:"enabled"`
	Pool      string        `yaml:"pool"`
	Interval  time.Duration `yaml:"interval"`
	Threshold time.Duration `yaml:"threshold"`
}

type Health struct {
	Listen     string        `yaml:"listen"`
	StaleAfter time.Duration `yaml:"stale_after"`
	NTP        NTP           `yaml:"ntp"`
}

type Telemetry struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

type MonitorDefaults struct {
	Namespace      string        `yaml:"namespace"`
	ScaleCooldown  time.Duration `yaml:"scale_cooldown"`
	RunsPerReplica int           `yaml:"runs_per_replica"`
}

// Config is the full daemon configuration.
type Config struct {
	HolderID          string          `yaml:"holder_id"`
	Prefix            string          `yaml:"prefix"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	Log               Log             `yaml:"log"`
	Coordination      Coordination    `yaml:"coordination"`
	Orchestrator      Orchestrator    `yaml:"orchestrator"`
	Archive           Archive         `yaml:"archive"`
	Reconcile         Reconcile       `yaml:"reconcile"`
	Health            Health          `yaml:"health"`
	Telemetry         Telemetry       `yaml:"telemetry"`
	Defaults          MonitorDefaults `yaml:"defaults"`
	Monitors          []monitor.Spec  `yaml:"monitors"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		Prefix:            "/scalewatch/",
		HeartbeatInterval: 20 * time.Second,
		Log:               Log{Level: "info", Format: "text"},
		Coordination: Coordination{
			Backend:           BackendEtcd,
			LeaseTTL:          30 * time.Second,
			RenewInterval:     10 * time.Second,
			AcquireInterval:   10 * time.Second,
			MaxMissedRenewals: 2,
			Etcd: Etcd{
				Endpoints:   []string{"127.0.0.1:2379"},
				DialTimeout: 5 * time.Second,
			},
		},
		Orchestrator: Orchestrator{Backend: OrchestratorKubernetes},
		Archive:      Archive{Path: "/var/lib/scalewatch/runs.db", Timeout: 10 * time.Second},
		Reconcile: Reconcile{
			PollInterval:     20 * time.Second,
			CallTimeout:      10 * time.Second,
			FailureThreshold: 5,
		},
		Health: Health{
			Listen:     ":9011",
			StaleAfter: 2 * time.Minute,
			NTP:        NTP{Pool: "pool.ntp.org", Interval: time.Minute, Threshold: 500 * time.Millisecond},
		},
		Telemetry: Telemetry{ServiceName: "scalewatch"},
		Defaults: MonitorDefaults{
			ScaleCooldown:  monitor.DefaultScaleCooldown,
			RunsPerReplica: monitor.DefaultRunsPerReplica,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.HolderID == "" {
		cfg.HolderID = defaultHolderID()
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Coordination.Backend {
	case BackendEtcd:
		if len(c.Coordination.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("coordination.etcd.endpoints: at least one endpoint required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("coordination.backend: unknown backend %q", c.Coordination.Backend))
	}
	switch c.Orchestrator.Backend {
	case OrchestratorKubernetes, OrchestratorSwarm:
	default:
		errs = append(errs, fmt.Errorf("orchestrator.backend: unknown backend %q", c.Orchestrator.Backend))
	}

	co := c.Coordination
	if co.LeaseTTL <= 0 {
		errs = append(errs, errors.New("coordination.lease_ttl must be positive"))
	}
	if co.RenewInterval <= 0 || co.RenewInterval > co.LeaseTTL/3 {
		errs = append(errs, fmt.Errorf("coordination.renew_interval %v must be positive and at most lease_ttl/3 (%v)", co.RenewInterval, co.LeaseTTL/3))
	}
	if co.AcquireInterval <= 0 {
		errs = append(errs, errors.New("coordination.acquire_interval must be positive"))
	}
	if co.MaxMissedRenewals < 1 {
		errs = append(errs, errors.New("coordination.max_missed_renewals must be at least 1"))
	}
	if c.Archive.Path == "" {
		errs = append(errs, errors.New("archive.path is required"))
	}
	if c.Reconcile.PollInterval <= 0 {
		errs = append(errs, errors.New("reconcile.poll_interval must be positive"))
	}
	if c.Reconcile.FailureThreshold < 1 {
		errs = append(errs, errors.New("reconcile.failure_threshold must be at least 1"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.Health.StaleAfter <= 0 {
		errs = append(errs, errors.New("health.stale_after must be positive"))
	}
	if c.Prefix == "" || !strings.HasPrefix(c.Prefix, "/") {
		errs = append(errs, fmt.Errorf("prefix %q must start with /", c.Prefix))
	}
	return errors.Join(errs...)
}

// MonitorDefaults converts the defaults block for monitor compilation.
func (c *Config) MonitorDefaults() monitor.Defaults {
	return monitor.Defaults{
		Namespace:      c.Defaults.Namespace,
		ScaleCooldown:  c.Defaults.ScaleCooldown,
		RunsPerReplica: c.Defaults.RunsPerReplica,
	}
}

func (c *Config) applyEnv() error {
	c.HolderID = envStr("HOLDER_ID", c.HolderID)
	c.Log.Level = envStr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envStr("LOG_FORMAT", c.Log.Format)
	c.Coordination.Backend = envStr("COORDINATION_BACKEND", c.Coordination.Backend)
	if v := envStr("ETCD_ENDPOINTS", ""); v != "" {
		c.Coordination.Etcd.Endpoints = splitList(v)
	}
	c.Coordination.Etcd.Username = envStr("ETCD_USERNAME", c.Coordination.Etcd.Username)
	c.Coordination.Etcd.Password = envStr("ETCD_PASSWORD", c.Coordination.Etcd.Password)
	c.Orchestrator.Backend = envStr("ORCHESTRATOR_BACKEND", c.Orchestrator.Backend)
	c.Orchestrator.Kubeconfig = envStr("KUBECONFIG", c.Orchestrator.Kubeconfig)
	c.Archive.Path = envStr("ARCHIVE_PATH", c.Archive.Path)
	c.Health.Listen = envStr("HEALTH_LISTEN", c.Health.Listen)

	var errs []error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{key: "LEASE_TTL", dst: &c.Coordination.LeaseTTL},
		{key: "RENEW_INTERVAL", dst: &c.Coordination.RenewInterval},
		{key: "POLL_INTERVAL", dst: &c.Reconcile.PollInterval},
	} {
		if err := envDuration(d.key, d.dst); err != nil {
			errs = append(errs, err)
		}
	}

	// The OpenTelemetry variables keep their standard names.
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return defaultVal
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func defaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "scalewatch"
	}
	return host + "-" + uuid.NewString()[:8]
}
