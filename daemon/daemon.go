// Package daemon wires the configured backends into a supervisor and runs it
// alongside the health endpoint and clock check.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"scalewatch"
	"scalewatch/config"
	"scalewatch/infra/docker"
	"scalewatch/infra/etcd"
	"scalewatch/infra/kube"
	"scalewatch/infra/memory"
	"scalewatch/infra/sqlite"
	"scalewatch/internal/observe"
	"scalewatch/internal/reconcile"
	"scalewatch/internal/signal/ntp"
	"scalewatch/internal/supervisor"
	"scalewatch/internal/telemetry"
	"scalewatch/internal/watch"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const (
	telemetryFlushTimeout = 5 * time.Second
	readyPollInterval     = 100 * time.Millisecond
)

// coordinationStore is what the supervisor and the config broker need from
// the coordination backend.
type coordinationStore interface {
	supervisor.Coordinator
	watch.Source
}

// Run starts the supervisor, health server and systemd notification, then
// blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryFlushTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("Failed to flush telemetry.", "err", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	orch, closeOrchestrator, err := openOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer closeOrchestrator()

	archive, err := sqlite.Open(cfg.Archive.Path)
	if err != nil {
		return err
	}
	defer func() { _ = archive.Close() }()
	if err := archive.EnsureSchema(ctx); err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("get hostname: %w", err)
	}

	sup := &supervisor.Supervisor{
		HolderID:          cfg.HolderID,
		Hostname:          hostname,
		Prefix:            cfg.Prefix,
		Static:            cfg.Monitors,
		Defaults:          cfg.MonitorDefaults(),
		Coordinator:       store,
		Configs:           watch.NewBroker(store),
		Orchestrator:      orch,
		Backlog:           observe.New(archive, cfg.Archive.Timeout),
		Clock:             scalewatch.RealClock{},
		LeaseTTL:          cfg.Coordination.LeaseTTL,
		AcquireInterval:   cfg.Coordination.AcquireInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Reconcile: reconcile.Options{
			PollInterval:      cfg.Reconcile.PollInterval,
			RenewInterval:     cfg.Coordination.RenewInterval,
			CallTimeout:       cfg.Reconcile.CallTimeout,
			FailureThreshold:  cfg.Reconcile.FailureThreshold,
			MaxMissedRenewals: cfg.Coordination.MaxMissedRenewals,
		},
		Metrics: metrics,
		Tracer:  telemetry.Tracer(),
	}

	health := &Health{Supervisor: sup, StaleAfter: cfg.Health.StaleAfter}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Health.NTP.Enabled {
		checker := ntp.NewChecker(scalewatch.RealClock{}, ntp.Options{
			Pool:      cfg.Health.NTP.Pool,
			Interval:  cfg.Health.NTP.Interval,
			Threshold: cfg.Health.NTP.Threshold,
		})
		health.Clock = checker
		g.Go(func() error {
			checker.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("Starting supervisor.", "holder", cfg.HolderID, "store", cfg.Coordination.Backend,
			"orchestrator", cfg.Orchestrator.Backend)
		return sup.Run(ctx)
	})
	g.Go(func() error {
		notifyWhenReady(ctx, sup)
		return nil
	})
	if cfg.Health.Listen != "" {
		g.Go(func() error { return health.ListenAndServe(ctx, cfg.Health.Listen) })
	}
	return g.Wait()
}

// notifyWhenReady tells systemd the daemon is ready once the supervisor has
// applied its initial configuration.
func notifyWhenReady(ctx context.Context, sup *supervisor.Supervisor) {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for !sup.Ready() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		slog.Error("Failed to notify systemd that the daemon is ready.", "err", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (coordinationStore, func(), error) {
	switch cfg.Coordination.Backend {
	case config.BackendMemory:
		slog.Warn("Using the in-memory coordination store; leases are not shared with other nodes.")
		return memory.New(scalewatch.RealClock{}), func() {}, nil
	case config.BackendEtcd:
		e := cfg.Coordination.Etcd
		cli, err := etcd.Dial(ctx, etcd.Config{
			Endpoints:   e.Endpoints,
			DialTimeout: e.DialTimeout,
			Username:    e.Username,
			Password:    e.Password,
			TLS: etcd.TLSOptions{
				CAFile:             e.TLS.CAFile,
				CertFile:           e.TLS.CertFile,
				KeyFile:            e.TLS.KeyFile,
				InsecureSkipVerify: e.TLS.InsecureSkipVerify,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		return cli, func() { _ = cli.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown coordination backend %q", cfg.Coordination.Backend)
	}
}

func openOrchestrator(cfg *config.Config) (reconcile.Orchestrator, func(), error) {
	switch cfg.Orchestrator.Backend {
	case config.OrchestratorKubernetes:
		cli, err := kube.NewFromKubeconfig(cfg.Orchestrator.Kubeconfig, cfg.Orchestrator.MasterURL)
		if err != nil {
			return nil, nil, err
		}
		return cli, func() {}, nil
	case config.OrchestratorSwarm:
		cli, err := docker.NewFromEnv()
		if err != nil {
			return nil, nil, err
		}
		return cli, func() { _ = cli.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown orchestrator backend %q", cfg.Orchestrator.Backend)
	}
}
