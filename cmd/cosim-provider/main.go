// Command cosim-provider runs a slave provider (component J): it
// advertises a catalog of slave types over UDP discovery and, on
// request, forks a helper executable per spec.md §4.10's
// instantiate-slave operation.
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viproma/coral-sub001/internal/corelog"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/metrics"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/provider"
	"github.com/viproma/coral-sub001/internal/reactor"
)

var version = "dev"

type config struct {
	listenAddr    string
	discoveryAddr string
	metricsAddr   string
	partitionID   uint32
	serviceID     string
	beaconPeriod  time.Duration
	maxVersion    uint16

	slaveName string
	slaveExe  string
	slaveArgs []string

	logLevel string
	logEnv   string
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
		Use:   "cosim-provider",
		Short: "Slave provider — advertises and forks slave instances on demand",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("COSIM_LISTEN_ADDR", ":40010"), "Request/reply listen address for provider RPCs")
	root.PersistentFlags().StringVar(&cfg.discoveryAddr, "discovery-addr", envOrDefault("COSIM_DISCOVERY_ADDR", "255.255.255.255:40000"), "UDP broadcast address to advertise on")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("COSIM_METRICS_ADDR", ":9092"), "Prometheus metrics listen address")
	root.PersistentFlags().Uint32Var(&cfg.partitionID, "partition-id", 0, "Discovery partition ID, scopes a federation")
	root.PersistentFlags().StringVar(&cfg.serviceID, "service-id", envOrDefault("COSIM_SERVICE_ID", "provider-"+uuid.NewString()), "Discovery service ID advertised for this provider")
	root.PersistentFlags().DurationVar(&cfg.beaconPeriod, "beacon-period", time.Second, "Beacon broadcast period")
	root.PersistentFlags().Uint16Var(&cfg.maxVersion, "max-version", execproto.ProtocolVersion, "Highest control-protocol version this provider speaks")

	root.PersistentFlags().StringVar(&cfg.slaveName, "slave-name", "", "Name of the single slave type this provider offers (required)")
	root.PersistentFlags().StringVar(&cfg.slaveExe, "slave-exe", "", "Path to the helper executable that instantiates the slave (required)")
	root.PersistentFlags().StringArrayVar(&cfg.slaveArgs, "slave-arg", nil, "Extra argument to pass the helper executable (repeatable)")

	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("COSIM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.logEnv, "log-env", envOrDefault("COSIM_LOG_ENV", "prod"), "Log encoding (dev or prod)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cosim-provider %s\n", version)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := corelog.New(cfg.logLevel, cfg.logEnv)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.slaveExe == "" || cfg.slaveName == "" {
		return fmt.Errorf("--slave-name and --slave-exe are required")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Reactor ---
	r, err := reactor.New()
	if err != nil {
		return fmt.Errorf("failed to create reactor: %w", err)
	}

	// --- 2. Catalog ---
	creator := provider.ExecSlaveCreator{
		Desc: model.SlaveTypeDescription{
			Name: cfg.slaveName,
			UUID: uuid.NewString(),
		},
		Path: cfg.slaveExe,
		Args: cfg.slaveArgs,
	}

	// --- 3. Listener and provider ---
	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind listen address: %w", err)
	}
	p := provider.New(r, ln, cfg.maxVersion, []provider.SlaveCreator{creator})

	if err := p.Advertise(cfg.discoveryAddr, cfg.partitionID, cfg.serviceID, cfg.beaconPeriod); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}

	logger.Info("starting cosim-provider",
		zap.String("version", version),
		zap.String("listen_addr", ln.Addr().String()),
		zap.String("service_id", cfg.serviceID),
		zap.String("slave_type", cfg.slaveName),
		zap.String("slave_uuid", creator.Desc.UUID),
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

	<-ctx.Done()
	logger.Info("shutting down cosim-provider")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = p.Close()

	if err := <-runErr; err != nil && err != context.Canceled {
		logger.Warn("reactor stopped with error", zap.Error(err))
	}
	logger.Info("cosim-provider stopped")
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
