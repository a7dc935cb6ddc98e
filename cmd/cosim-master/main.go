// Command cosim-master runs one master execution (components G/H/L): it
// discovers slave providers over UDP, instantiates the requested slave
// types from them, then drives the execution through Reconstitute,
// Prime, and a Step/AcceptStep loop until the configured stop time.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viproma/coral-sub001/internal/cluster"
	"github.com/viproma/coral-sub001/internal/corelog"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/execution"
	"github.com/viproma/coral-sub001/internal/facade"
	"github.com/viproma/coral-sub001/internal/metrics"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
)

var version = "dev"

type config struct {
	executionName       string
	startTime           float64
	stopTime            float64
	stepSize            float64
	varRecvTimeout      float64
	discoveryAddr       string
	partitionID         uint32
	providerTimeout     time.Duration
	sweepInterval       time.Duration
	queryTimeout        time.Duration
	discoverWait        time.Duration
	maxVersion          uint16
	connectTimeout      time.Duration
	setupTimeout        time.Duration
	stepTimeout         time.Duration
	maxConnectAttempts  int
	primeMaxAttempts    int
	slaveUUIDs          []string
	metricsAddr         string
	logLevel            string
	logEnv              string
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
		Use:   "cosim-master",
		Short: "Co-simulation master — discovers, instantiates, and steps slaves to a stop time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.executionName, "execution-name", envOrDefault("COSIM_EXECUTION_NAME", "execution"), "Execution name reported to slaves on setup")
	root.PersistentFlags().Float64Var(&cfg.startTime, "start-time", 0, "Simulated start time, in seconds")
	root.PersistentFlags().Float64Var(&cfg.stopTime, "stop-time", 1, "Simulated stop time, in seconds")
	root.PersistentFlags().Float64Var(&cfg.stepSize, "step-size", 0.1, "Simulated time step size, in seconds")
	root.PersistentFlags().Float64Var(&cfg.varRecvTimeout, "var-recv-timeout", 1, "Per-variable receive timeout reported to slaves, in seconds")

	root.PersistentFlags().StringVar(&cfg.discoveryAddr, "discovery-addr", envOrDefault("COSIM_DISCOVERY_ADDR", ":40000"), "UDP address to listen for provider beacons on")
	root.PersistentFlags().Uint32Var(&cfg.partitionID, "partition-id", 0, "Discovery partition ID, scopes a federation")
	root.PersistentFlags().DurationVar(&cfg.providerTimeout, "provider-timeout", 5*time.Second, "How long a provider may stay silent before being dropped")
	root.PersistentFlags().DurationVar(&cfg.sweepInterval, "sweep-interval", time.Second, "How often stale providers are checked")
	root.PersistentFlags().DurationVar(&cfg.queryTimeout, "query-timeout", 2*time.Second, "Timeout for a provider catalog query")
	root.PersistentFlags().DurationVar(&cfg.discoverWait, "discover-wait", 5*time.Second, "How long to wait for requested slave types to be discovered")
	root.PersistentFlags().Uint16Var(&cfg.maxVersion, "max-version", execproto.ProtocolVersion, "Highest control-protocol version this master speaks")

	root.PersistentFlags().DurationVar(&cfg.connectTimeout, "connect-timeout", 5*time.Second, "Slave connect timeout")
	root.PersistentFlags().DurationVar(&cfg.setupTimeout, "setup-timeout", 5*time.Second, "Slave setup round-trip timeout")
	root.PersistentFlags().DurationVar(&cfg.stepTimeout, "step-timeout", 5*time.Second, "Per-step round-trip timeout")
	root.PersistentFlags().IntVar(&cfg.maxConnectAttempts, "max-connect-attempts", 3, "Maximum connection attempts per slave")
	root.PersistentFlags().IntVar(&cfg.primeMaxAttempts, "prime-max-attempts", 3, "Maximum priming rounds")

	root.PersistentFlags().StringArrayVar(&cfg.slaveUUIDs, "slave-uuid", nil, "UUID of a slave type to instantiate (repeatable)")

	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("COSIM_METRICS_ADDR", ":9090"), "Prometheus metrics listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("COSIM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.logEnv, "log-env", envOrDefault("COSIM_LOG_ENV", "prod"), "Log encoding (dev or prod)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cosim-master %s\n", version)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := corelog.New(cfg.logLevel, cfg.logEnv)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(cfg.slaveUUIDs) == 0 {
		return fmt.Errorf("at least one --slave-uuid is required")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting cosim-master",
		zap.String("version", version),
		zap.String("execution_name", cfg.executionName),
		zap.Float64("start_time", cfg.startTime),
		zap.Float64("stop_time", cfg.stopTime),
		zap.Strings("slave_uuids", cfg.slaveUUIDs),
	)

	// --- 1. Metrics ---
	reg := prometheus.NewRegistry()
	reporter := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	// --- 2. Provider-cluster discovery ---
	clusterReactor, err := reactor.New()
	if err != nil {
		return fmt.Errorf("failed to create cluster reactor: %w", err)
	}
	clusterRunErr := make(chan error, 1)
	go func() { clusterRunErr <- clusterReactor.Run(ctx) }()

	var cl *cluster.Cluster
	if err := postSync(clusterReactor, func() error {
		var cerr error
		cl, cerr = cluster.New(clusterReactor, cfg.discoveryAddr, cfg.partitionID, cfg.providerTimeout, cfg.sweepInterval, cfg.maxVersion, cfg.queryTimeout)
		return cerr
	}); err != nil {
		return fmt.Errorf("failed to start provider-cluster client: %w", err)
	}
	defer postSync(clusterReactor, func() error { return cl.Close() }) //nolint:errcheck

	if err := waitForSlaveTypes(clusterReactor, cl, cfg.slaveUUIDs, cfg.discoverWait); err != nil {
		return err
	}

	// --- 3. Instantiate slaves ---
	specs, err := instantiateSlaves(clusterReactor, cl, cfg.slaveUUIDs, cfg)
	if err != nil {
		return fmt.Errorf("failed to instantiate slaves: %w", err)
	}

	// --- 4. Execution facade ---
	f, err := facade.New(ctx, execution.Setup{
		ExecutionName:       cfg.executionName,
		StartTime:           model.TimePoint(cfg.startTime),
		StopTime:            model.TimePoint(cfg.stopTime),
		VariableRecvTimeout: model.TimeDuration(cfg.varRecvTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to create execution facade: %w", err)
	}
	f.SetMetrics(reporter)

	results, err := f.Reconstitute(ctx, specs)
	if err != nil {
		return fmt.Errorf("reconstitute failed: %w", err)
	}
	for _, r := range results {
		if r.Error != nil {
			logger.Error("slave failed to connect", zap.String("name", r.Name), zap.Error(r.Error))
		}
	}

	if err := f.Prime(cfg.primeMaxAttempts, cfg.setupTimeout); err != nil {
		f.Terminate()
		return fmt.Errorf("priming failed: %w", err)
	}

	// --- 5. Step loop ---
	stepSize := model.TimeDuration(cfg.stepSize)
	for simTime := cfg.startTime; simTime < cfg.stopTime; simTime += cfg.stepSize {
		select {
		case <-ctx.Done():
			f.Terminate()
			return nil
		default:
		}
		if err := f.Step(stepSize, cfg.stepTimeout); err != nil {
			logger.Error("step failed", zap.Error(err))
			f.Terminate()
			return fmt.Errorf("step failed: %w", err)
		}
		if err := f.AcceptStep(cfg.stepTimeout); err != nil {
			logger.Error("accept-step failed", zap.Error(err))
			f.Terminate()
			return fmt.Errorf("accept-step failed: %w", err)
		}
	}

	f.Terminate()
	logger.Info("cosim-master finished", zap.Float64("stop_time", cfg.stopTime))
	_ = clusterRunErr
	return nil
}

// postSync runs fn on r's reactor goroutine and blocks for its result.
func postSync(r *reactor.Reactor, fn func() error) error {
	done := make(chan error, 1)
	if err := r.Post(func() { done <- fn() }); err != nil {
		return err
	}
	return <-done
}

func waitForSlaveTypes(r *reactor.Reactor, cl *cluster.Cluster, uuids []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var have map[string]cluster.SlaveType
		if err := postSync(r, func() error { have = cl.SlaveTypes(); return nil }); err != nil {
			return err
		}
		missing := 0
		for _, id := range uuids {
			if _, ok := have[id]; !ok {
				missing++
			}
		}
		if missing == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %d slave type(s) to be discovered", missing)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func instantiateSlaves(r *reactor.Reactor, cl *cluster.Cluster, uuids []string, cfg *config) ([]execution.SlaveSpec, error) {
	specs := make([]execution.SlaveSpec, len(uuids))
	for i, id := range uuids {
		var locator model.SlaveLocator
		var instErr error
		done := make(chan struct{})
		if err := r.Post(func() {
			cl.InstantiateSlave(id, model.TimeDuration(cfg.setupTimeout.Seconds()), func(l model.SlaveLocator, err error) {
				locator, instErr = l, err
				close(done)
			})
		}); err != nil {
			return nil, err
		}
		<-done
		if instErr != nil {
			return nil, fmt.Errorf("slave %q: %w", id, instErr)
		}
		specs[i] = execution.SlaveSpec{
			Name:                  id,
			ControlEndpoint:       locator.ControlEndpoint,
			DataPubEndpoint:       locator.DataPubEndpoint,
			MaxConnectionAttempts: cfg.maxConnectAttempts,
			ConnectTimeout:        cfg.connectTimeout,
			SetupTimeout:          cfg.setupTimeout,
			MaxVersion:            cfg.maxVersion,
		}
	}
	return specs, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
