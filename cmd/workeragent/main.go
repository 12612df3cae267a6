package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendergrid/workeragent/pkg/actionrunner/procrunner"
	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/apiclient/grpcclient"
	"github.com/rendergrid/workeragent/pkg/credentials"
	"github.com/rendergrid/workeragent/pkg/entitycache"
	"github.com/rendergrid/workeragent/pkg/events"
	"github.com/rendergrid/workeragent/pkg/hostenv"
	"github.com/rendergrid/workeragent/pkg/log"
	"github.com/rendergrid/workeragent/pkg/metrics"
	"github.com/rendergrid/workeragent/pkg/scheduler"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "workeragent",
	Short:   "Render farm worker agent",
	Long:    `workeragent polls a render farm service for session work, runs it as local subprocesses, and reports progress back until the worker is drained.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("workeragent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker agent and run until drained",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("farm-id", "", "Farm ID (required)")
	startCmd.Flags().String("fleet-id", "", "Fleet ID (required)")
	startCmd.Flags().String("service-addr", "127.0.0.1:8443", "Render farm service gRPC address")
	startCmd.Flags().String("cert-dir", "", "Directory holding TLS client certificates for the service connection")
	startCmd.Flags().String("data-dir", "./workeragent-data", "Directory for session working directories, logs, and credential files")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready, /live on")
	startCmd.Flags().Bool("delete-worker-on-shutdown", false, "Call DeleteWorker after a clean drain (use for ephemeral/spot capacity)")
	_ = startCmd.MarkFlagRequired("farm-id")
	_ = startCmd.MarkFlagRequired("fleet-id")
}

func runStart(cmd *cobra.Command, args []string) error {
	farmID, _ := cmd.Flags().GetString("farm-id")
	fleetID, _ := cmd.Flags().GetString("fleet-id")
	serviceAddr, _ := cmd.Flags().GetString("service-addr")
	certDir, _ := cmd.Flags().GetString("cert-dir")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	deleteOnShutdown, _ := cmd.Flags().GetBool("delete-worker-on-shutdown")

	logger := log.Logger

	sessionsDir := dataDir + "/sessions"
	credsDir := dataDir + "/credentials"
	logsDir := dataDir + "/logs"
	for _, dir := range []string{sessionsDir, credsDir, logsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	transport, err := grpcclient.Dial(serviceAddr, certDir)
	if err != nil {
		return fmt.Errorf("dial service: %w", err)
	}
	defer transport.Close()

	// Retries/circuit-breaking (spec §7) wrap the gRPC transport so a
	// Throttled/InternalServerError response or a wedged service degrades
	// into backoff rather than propagating straight to the scheduler loop.
	client := apiclient.NewRetryingClient(transport)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	var entities *entitycache.Cache
	cleanup := &hostenv.Janitor{SessionsDir: sessionsDir, LogsDir: logsDir}

	sched := scheduler.New(scheduler.Config{
		Client:  client,
		FarmID:  farmID,
		FleetID: fleetID,
		// CredentialsFactory runs once Bootstrap has a confirmed WorkerID,
		// since AssumeFleetRoleForWorker and BatchGetJobEntity both need it.
		CredentialsFactory: func(workerID string) scheduler.WorkerScopedDeps {
			entities = entitycache.New(client, farmID, fleetID, workerID, logger)
			entities.Start()
			queueCreds := credentials.NewQueueCredentialManager(client, farmID, fleetID, workerID, credsDir, logger)
			cleanup.QueueCreds = queueCreds
			return scheduler.WorkerScopedDeps{
				AgentCreds: credentials.NewAgentCredentialManager(client, farmID, fleetID, workerID, logger),
				QueueCreds: queueCreds,
				Entities:   entities,
			}
		},
		Runner:  procrunner.New(logger),
		Builder: &hostenv.Builder{SessionsDir: sessionsDir},
		Cleanup: cleanup,
		Sink:    broker,
		Logger:  logger,
		DrainSources: []scheduler.DrainSource{
			scheduler.NewSignalDrainSource(nil),
		},
		DeleteWorkerOnShutdown: deleteOnShutdown,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if entities != nil {
		defer entities.Stop()
	}

	collector := metrics.NewCollector(sched)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	defer metricsSrv.Close()

	logger.Info().Str("worker_id", sched.WorkerID()).Msg("worker agent started")
	runErr := sched.Run(ctx)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("worker agent exited with error")
		return runErr
	}
	logger.Info().Msg("worker agent drained cleanly")
	return nil
}
