package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/warren/pkg/dispatch"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
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
	Use:     "dispatchd",
	Short:   "dispatchd - centralized work-dispatch service for remote worker pools",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dispatchd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory holding the dispatch store")
	rootCmd.PersistentFlags().Duration("lease-ttl", 30*time.Minute, "Lease duration granted on assignment")
	rootCmd.PersistentFlags().Duration("heartbeat-ttl", 90*time.Second, "Staleness window before a worker is considered offline")
	rootCmd.PersistentFlags().Duration("cycle-interval", 5*time.Second, "Interval between background requeue+match cycles")
	rootCmd.PersistentFlags().String("env-file", "", "Path to a KEY=VALUE env file consulted before flags (defaults: .env, .env.local, env.local, secrets.env)")

	cobra.OnInitialize(initEnvFile, initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adminCmd)
}

// initEnvFile loads a local env file's values as flag defaults, never
// overriding a flag the operator actually set on the command line.
func initEnvFile() {
	path, _ := rootCmd.PersistentFlags().GetString("env-file")
	if path == "" {
		path = dispatch.FindEnvFile(".")
	}
	if path == "" {
		return
	}

	values, err := dispatch.LoadEnvFile(path)
	if err != nil {
		return
	}
	for flagName, envKey := range map[string]string{
		"data-dir":       "DISPATCH_DATA_DIR",
		"lease-ttl":      "DISPATCH_LEASE_TTL",
		"heartbeat-ttl":  "DISPATCH_HEARTBEAT_TTL",
		"cycle-interval": "DISPATCH_CYCLE_INTERVAL",
		"log-level":      "DISPATCH_LOG_LEVEL",
	} {
		if value, ok := values[envKey]; ok && !rootCmd.PersistentFlags().Changed(flagName) {
			_ = rootCmd.PersistentFlags().Set(flagName, value)
		}
	}
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func dispatcherFromFlags(cmd *cobra.Command) (*dispatch.Dispatcher, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	leaseTTL, _ := cmd.Flags().GetDuration("lease-ttl")
	heartbeatTTL, _ := cmd.Flags().GetDuration("heartbeat-ttl")
	cycleInterval, _ := cmd.Flags().GetDuration("cycle-interval")

	return dispatch.New(dispatch.Config{
		DataDir:       dataDir,
		LeaseTTL:      leaseTTL,
		HeartbeatTTL:  heartbeatTTL,
		CycleInterval: cycleInterval,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch core and its metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := dispatcherFromFlags(cmd)
		if err != nil {
			return fmt.Errorf("failed to start dispatch core: %w", err)
		}
		defer d.Close()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("api", true, "ready")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		log.Logger.Info().Msg("dispatch core running; press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP endpoint")
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative operations against the local dispatch store, in-process",
}

var adminCreateRepoCmd = &cobra.Command{
	Use:   "create-repo REPO",
	Short: "Create or update a repo's throttle and area-lock policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := dispatcherFromFlags(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		maxOpenPRs, _ := cmd.Flags().GetInt("max-open-prs")
		areaLocks, _ := cmd.Flags().GetBool("area-locks")

		repo, err := d.CreateRepo(cmd.Context(), args[0], maxOpenPRs, areaLocks)
		if err != nil {
			return err
		}
		fmt.Printf("repo upserted: %s (max_open_prs=%d area_locks=%v)\n", repo.Repo, repo.MaxOpenPRs, repo.AreaLocksEnabled)
		return nil
	},
}

var adminCreateTaskCmd = &cobra.Command{
	Use:   "create-task",
	Short: "Create a ready task under a repo",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := dispatcherFromFlags(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		repo, _ := cmd.Flags().GetString("repo")
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		estimate, _ := cmd.Flags().GetInt("estimate")
		priority, _ := cmd.Flags().GetInt("priority")
		skills, _ := cmd.Flags().GetStringSlice("required-skills")
		area, _ := cmd.Flags().GetString("area")
		tier, _ := cmd.Flags().GetInt("tier")

		task, err := d.CreateTask(cmd.Context(), repo, title, description, estimate, priority, skills, area, tier)
		if err != nil {
			return err
		}
		fmt.Printf("task created: %s\n", task.TaskID)
		return nil
	},
}

var adminRegisterWorkerCmd = &cobra.Command{
	Use:   "register-worker",
	Short: "Register a new worker and print its one-time bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := dispatcherFromFlags(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		name, _ := cmd.Flags().GetString("name")
		handle, _ := cmd.Flags().GetString("handle")
		skills, _ := cmd.Flags().GetStringSlice("skills")
		capacity, _ := cmd.Flags().GetInt("capacity")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")

		workerID, token, err := d.RegisterWorker(cmd.Context(), name, handle, skills, capacity, maxConcurrent)
		if err != nil {
			return err
		}
		fmt.Printf("worker registered: worker_id=%s\n", workerID)
		fmt.Printf("token (save this, it is shown once): %s\n", token)
		return nil
	},
}

var adminStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print aggregate task and worker counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := dispatcherFromFlags(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		counts, err := d.CountsByStatus(cmd.Context())
		if err != nil {
			return err
		}
		online, err := d.WorkersOnline(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("workers_online: %d\n", online)
		for _, status := range []types.TaskStatus{
			types.TaskReady, types.TaskLeased, types.TaskInProgress,
			types.TaskBlocked, types.TaskPROpened, types.TaskMerged,
		} {
			fmt.Printf("tasks_%s: %d\n", status, counts[status])
		}
		return nil
	},
}

func init() {
	adminCreateRepoCmd.Flags().Int("max-open-prs", 2, "Concurrent pr_opened cap; 0 disables new assignments")
	adminCreateRepoCmd.Flags().Bool("area-locks", true, "Enable the area-lock constraint for this repo")

	adminCreateTaskCmd.Flags().String("repo", "", "Repo key (required)")
	adminCreateTaskCmd.Flags().String("title", "", "Task title (required)")
	adminCreateTaskCmd.Flags().String("description", "", "Task description")
	adminCreateTaskCmd.Flags().Int("estimate", 1, "Estimate points")
	adminCreateTaskCmd.Flags().Int("priority", 10, "Priority (higher = more important)")
	adminCreateTaskCmd.Flags().StringSlice("required-skills", nil, "Comma-separated required skill tags")
	adminCreateTaskCmd.Flags().String("area", "", "Coarse lock domain inside the repo")
	adminCreateTaskCmd.Flags().Int("tier", 0, "Reserved categorical bucket")
	_ = adminCreateTaskCmd.MarkFlagRequired("repo")
	_ = adminCreateTaskCmd.MarkFlagRequired("title")

	adminRegisterWorkerCmd.Flags().String("name", "", "Worker name (required)")
	adminRegisterWorkerCmd.Flags().String("handle", "", "Optional external handle")
	adminRegisterWorkerCmd.Flags().StringSlice("skills", nil, "Comma-separated skill tags")
	adminRegisterWorkerCmd.Flags().Int("capacity", 5, "Capacity points")
	adminRegisterWorkerCmd.Flags().Int("max-concurrent", 2, "Max concurrent tasks")
	_ = adminRegisterWorkerCmd.MarkFlagRequired("name")

	adminCmd.AddCommand(adminCreateRepoCmd)
	adminCmd.AddCommand(adminCreateTaskCmd)
	adminCmd.AddCommand(adminRegisterWorkerCmd)
	adminCmd.AddCommand(adminStateCmd)
}
