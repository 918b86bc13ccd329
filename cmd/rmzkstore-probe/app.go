package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-zookeeper/zk"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/rmzkstore/internal/layout"
	"pkt.systems/rmzkstore/internal/rlimit"
	"pkt.systems/rmzkstore/internal/rmstate"
	"pkt.systems/rmzkstore/internal/telemetry"
)

// submain runs the probe CLI, returning the process exit code. It mirrors
// the teacher's cmd/lockd/app.go submain: build a base logger from the
// environment, build the root command, run it under a signal-cancelable
// context.
func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("RMZKSTORE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "rmzkstore-probe")

	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rmzkstore-probe",
		Short:         "rmzkstore-probe connects to a fenced state store and exercises its recovery path",
		SilenceErrors: true,
		Example: `
  # Connect to a local ensemble, fence, dump the loaded state, and idle
  rmzkstore-probe --zk localhost:2181 --root /rmstore

  # Run with HA enabled against a multi-node ensemble
  rmzkstore-probe --zk zk1:2181,zk2:2181,zk3:2181 --ha --metrics-listen :9342
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			cfg, metricsListen, err := bindConfig(baseLogger)
			if err != nil {
				return err
			}

			if before, after, err := rlimit.RaiseNoFile(); err != nil {
				baseLogger.Warn("probe.rlimit_raise_failed", "error", err)
			} else if after != before {
				baseLogger.Info("probe.rlimit_raised", "old", before, "new", after)
			}

			if metricsListen != "" {
				startMetricsServer(ctx, baseLogger, metricsListen)
			}

			store := rmstate.New(cfg)
			baseLogger.Info("probe.starting", "servers", cfg.Servers, "root", cfg.RootPath, "ha", cfg.HAEnabled)
			if err := store.Start(ctx); err != nil {
				return fmt.Errorf("start store: %w", err)
			}
			defer store.Close()

			state, err := store.LoadState(ctx)
			if err != nil {
				return fmt.Errorf("load state: %w", err)
			}
			version := "unset"
			if state.Version != nil {
				version = fmt.Sprintf("%d.%d", state.Version.Major, state.Version.Minor)
			}
			baseLogger.Info("probe.loaded_state",
				"version", version,
				"applications", len(state.Applications),
				"master_keys", len(state.DTSecretManagerState.MasterKeys),
				"tokens", len(state.DTSecretManagerState.Tokens),
			)

			<-ctx.Done()
			baseLogger.Info("probe.shutting_down")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("zk", nil, "comma-separated coordination service ensemble addresses (required)")
	flags.Duration("session-timeout", 10*time.Second, "coordination session timeout")
	flags.Int("num-retries", 1000, "maximum retry attempts per operation")
	flags.Duration("retry-interval", time.Second, "base sleep between same-session retries (ignored when --ha derives it)")
	flags.Bool("ha", false, "enable HA mode: NoAuth becomes a terminal fenced error and retry interval derives from session-timeout/num-retries")
	flags.String("root", layout.DefaultRoot, "state root path")
	flags.String("znode-size-limit", "1MiB", "maximum blob size per znode (0 disables the guard)")
	flags.String("oversize-policy", "skip", "behavior when a blob exceeds --znode-size-limit (skip or fail)")
	flags.Duration("probe-interval", 0, "liveness prober interval (defaults to --session-timeout)")
	flags.String("metrics-listen", ":9342", "Prometheus metrics listen address (empty disables)")
	flags.Bool("world-acl", true, "include world:anyone in the fenced root ACL (every permission except create/delete)")

	bindFlag := func(name string) {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("RMZKSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"zk", "session-timeout", "num-retries", "retry-interval", "ha", "root",
		"znode-size-limit", "oversize-policy", "probe-interval", "metrics-listen", "world-acl",
	} {
		bindFlag(name)
	}

	return cmd
}

func bindConfig(logger pslog.Logger) (rmstate.Config, string, error) {
	var cfg rmstate.Config
	cfg.Servers = viper.GetStringSlice("zk")
	if len(cfg.Servers) == 0 {
		return cfg, "", fmt.Errorf("--zk is required")
	}
	cfg.SessionTimeout = viper.GetDuration("session-timeout")
	cfg.NumRetries = viper.GetInt("num-retries")
	cfg.RetryInterval = viper.GetDuration("retry-interval")
	cfg.HAEnabled = viper.GetBool("ha")
	cfg.RootPath = viper.GetString("root")
	cfg.ProbeInterval = viper.GetDuration("probe-interval")
	cfg.Logger = logger
	cfg.OnStoreFenced = func(err error) {
		logger.Error("probe.store_fenced", "error", err)
	}

	limit := strings.TrimSpace(viper.GetString("znode-size-limit"))
	if limit != "" && limit != "0" {
		size, err := humanize.ParseBytes(limit)
		if err != nil {
			return cfg, "", fmt.Errorf("parse znode-size-limit: %w", err)
		}
		cfg.ZnodeSizeLimitBytes = int64(size)
	}
	switch strings.ToLower(viper.GetString("oversize-policy")) {
	case "", "skip":
		cfg.OversizePolicy = layout.OversizePolicySkip
	case "fail":
		cfg.OversizePolicy = layout.OversizePolicyFail
	default:
		return cfg, "", fmt.Errorf("unknown --oversize-policy %q", viper.GetString("oversize-policy"))
	}

	if viper.GetBool("world-acl") {
		cfg.BasePrincipals = worldACL()
	}

	return cfg, viper.GetString("metrics-listen"), nil
}

func worldACL() []zk.ACL {
	return zk.WorldACL(zk.PermAll)
}

func startMetricsServer(ctx context.Context, logger pslog.Logger, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(telemetry.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("probe.metrics_server_failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("probe.metrics_listening", "addr", listen)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
