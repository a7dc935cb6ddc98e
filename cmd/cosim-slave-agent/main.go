// Command cosim-slave-agent runs one slave agent (component I): it binds
// a control-port request/reply server and a pub/sub data port, wraps a
// bundled in-process SlaveInstance fixture, and serves master control
// messages until terminated or the master goes silent past its
// inactivity timeout.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viproma/coral-sub001/internal/corelog"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/metrics"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/slaveagent"
	"github.com/viproma/coral-sub001/internal/slaveinstance"
)

var (
	version = "dev"
)

type config struct {
	controlAddr       string
	dataAddr          string
	metricsAddr       string
	maxVersion        uint16
	inactivityTimeout time.Duration
	instance          string
	logLevel          string
	logEnv            string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "cosim-slave-agent",
		Short: "Co-simulation slave agent — wraps one slave instance behind the master control protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.controlAddr, "control-addr", envOrDefault("COSIM_CONTROL_ADDR", ":40001"), "Control request/reply listen address")
	root.PersistentFlags().StringVar(&cfg.dataAddr, "data-addr", envOrDefault("COSIM_DATA_ADDR", ":40002"), "Pub/sub data listen address")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("COSIM_METRICS_ADDR", ":9091"), "Prometheus metrics listen address")
	root.PersistentFlags().Uint16Var(&cfg.maxVersion, "max-version", execproto.ProtocolVersion, "Highest control-protocol version this agent speaks")
	root.PersistentFlags().DurationVar(&cfg.inactivityTimeout, "inactivity-timeout", 30*time.Second, "How long the master may stay silent before this agent gives up")
	root.PersistentFlags().StringVar(&cfg.instance, "instance", envOrDefault("COSIM_INSTANCE", "identity"), "Bundled slave instance to wrap (identity or logger)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("COSIM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.logEnv, "log-env", envOrDefault("COSIM_LOG_ENV", "prod"), "Log encoding (dev or prod)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cosim-slave-agent %s\n", version)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := corelog.New(cfg.logLevel, cfg.logEnv)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	inst, err := buildInstance(cfg.instance)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Reactor ---
	r, err := reactor.New()
	if err != nil {
		return fmt.Errorf("failed to create reactor: %w", err)
	}

	// --- 2. Listeners ---
	controlLn, err := net.Listen("tcp", cfg.controlAddr)
	if err != nil {
		return fmt.Errorf("failed to bind control address: %w", err)
	}
	dataLn, err := net.Listen("tcp", cfg.dataAddr)
	if err != nil {
		return fmt.Errorf("failed to bind data address: %w", err)
	}

	// --- 3. Slave agent ---
	agent := slaveagent.New(r, controlLn, dataLn, cfg.maxVersion, inst, cfg.inactivityTimeout)
	_ = agent

	logger.Info("starting cosim-slave-agent",
		zap.String("version", version),
		zap.String("control_addr", controlLn.Addr().String()),
		zap.String("data_addr", dataLn.Addr().String()),
		zap.String("instance", cfg.instance),
	)

	// --- 4. Metrics endpoint ---
	reg := prometheus.NewRegistry()
	_ = metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server error", zap.Error(err))
		}
	}()

	// --- 5. Run the reactor until cancelled ---
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		runErr <- err
	}
	logger.Info("shutting down cosim-slave-agent")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if err := <-runErr; err != nil && err != context.Canceled {
		logger.Warn("reactor stopped with error", zap.Error(err))
	}
	logger.Info("cosim-slave-agent stopped")
	return nil
}

func buildInstance(kind string) (slaveinstance.Instance, error) {
	switch kind {
	case "identity":
		return slaveinstance.NewIdentity(), nil
	case "logger":
		return slaveinstance.NewLogger(1), nil
	default:
		return nil, fmt.Errorf("unknown --instance %q (want identity or logger)", kind)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
