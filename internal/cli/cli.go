// ============================================================================
// cube-builder CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running the orchestrator and talking to it
//
// Command Structure:
//   cubebuilder                    # Root command
//   ├── run                        # Start scheduler + gRPC service
//   │   └── --request, -r          # Request files to submit on start
//   ├── submit                     # Submit a request file
//   │   ├── --file, -f             # YAML or HCL request file
//   │   └── --server               # Remote service; omitted runs the build in-process
//   ├── status <build-id>          # Query build status
//   ├── cancel <build-id>          # Cancel a build
//   ├── plan                       # Print the tile/period decomposition
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --log-level                # debug | info | warn | error
//
// Configuration Management:
//   YAML config file with sections:
//   - scheduler: worker count, timeouts, retry policy, dispatch rate
//   - store: job store backend (memory | durable | sqlite) and optional Redis counters
//   - assets: asset store backend (file | badger | badger-memory)
//   - executor: scene concurrency, cloud threshold, overview levels
//   - scenes: scene index used for remote submissions
//   - server / metrics: listen ports
//
// Signal Handling:
//   run captures SIGINT/SIGTERM and shuts down gracefully:
//   1. Stop the gRPC service
//   2. Stop the scheduler (workers drain, final checkpoint)
//   3. Close stores
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/cube-builder/internal/metrics"
	"github.com/ChuLiYu/cube-builder/internal/planner"
	"github.com/ChuLiYu/cube-builder/internal/scheduler"
	"github.com/ChuLiYu/cube-builder/internal/server"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var log = slog.Default()

var (
	configFile string
	logLevel   string
)

const defaultServerAddr = "localhost:50051"

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cubebuilder",
		Short: "cube-builder: a resumable data-cube build orchestrator",
		Long: `cube-builder turns satellite scenes into temporal-composite data cubes:
- tile x period merge jobs fanned in to one blend per tile
- exactly-once fan-in barriers under duplicate completions
- retry with exponential backoff and jitter
- WAL + snapshot, SQLite or Redis-backed job state`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return setLogLevel(logLevel)
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildPlanCommand())

	return rootCmd
}

func setLogLevel(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetLogLoggerLevel(lvl)
	return nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var requests []string
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler and the gRPC service",
		Long:  "Recover unfinished builds, start the worker pool and serve CubeBuilder over gRPC until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, requests)
		},
	}

	cmd.Flags().StringSliceVarP(&requests, "request", "r", nil, "request files to submit on start")
	cmd.Flags().IntVar(&port, "port", 0, "gRPC port (overrides server.port)")

	return cmd
}

func runSystem(ctx context.Context, cfg *Config, requestFiles []string) error {
	scenes := append(scheduler.StaticScenes{}, cfg.Scenes...)
	var pending []types.BuildRequest
	for _, path := range requestFiles {
		rf, err := loadRequest(path)
		if err != nil {
			return err
		}
		scenes = append(scenes, rf.Scenes...)
		pending = append(pending, rf.Request)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("Starting metrics server", "addr", addr)
			if err := metrics.StartServer(addr); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	st, err := openStack(cfg, scenes, collector)
	if err != nil {
		return err
	}
	defer st.Close()

	log.Info("Starting scheduler", "config", configFile, "store", cfg.Store.Backend,
		"workers", cfg.Scheduler.WorkerCount, "timeout", cfg.Scheduler.TaskTimeout)
	if err := st.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	grpcServer := grpc.NewServer()
	server.Register(grpcServer, server.NewServer(st.scheduler))
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC server failed", "error", err)
		}
	}()
	log.Info("gRPC server listening", "addr", lis.Addr().String())

	for _, req := range pending {
		id, err := st.scheduler.Submit(ctx, req)
		if err != nil {
			log.Error("Failed to submit request", "cube", req.Cube, "error", err)
			continue
		}
		fmt.Printf("Submitted %s as build %s\n", req.Cube, id)
	}

	log.Info("System started successfully")
	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")

	grpcServer.GracefulStop()
	if err := st.Close(); err != nil {
		log.Error("Failed to close stores", "error", err)
	}
	log.Info("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var requestFile string
	var serverAddr string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a build request",
		Long:  "Submit a YAML or HCL request file. With --server the request goes to a running service; otherwise the build runs in-process to completion.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := loadRequest(requestFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if serverAddr != "" {
				return submitRemote(ctx, cmd.OutOrStdout(), serverAddr, rf, wait)
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			st, err := buildLocal(ctx, cfg, rf)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}

	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "request file (.yaml, .yml or .hcl)")
	cmd.Flags().StringVar(&serverAddr, "server", "", "CubeBuilder service address, e.g. "+defaultServerAddr)
	cmd.Flags().BoolVar(&wait, "wait", false, "with --server, poll until the build finishes")
	cmd.MarkFlagRequired("file")

	return cmd
}

func submitRemote(ctx context.Context, out io.Writer, addr string, rf *RequestFile, wait bool) error {
	if len(rf.Scenes) > 0 {
		log.Warn("Scenes in the request file are ignored by a remote service; it uses its own scene index", "scenes", len(rf.Scenes))
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.Submit(ctx, rf.Request)
	if err != nil {
		return fmt.Errorf("failed to submit: %w", err)
	}
	fmt.Fprintf(out, "Submitted build %s to %s\n", id, addr)
	if !wait {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		st, err := client.Status(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		if st.Overall != types.OverallInProgress {
			return printStatus(out, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildLocal runs one build in-process and returns its final status.
func buildLocal(ctx context.Context, cfg *Config, rf *RequestFile) (*types.BuildStatus, error) {
	scenes := append(scheduler.StaticScenes{}, cfg.Scenes...)
	scenes = append(scenes, rf.Scenes...)

	st, err := openStack(cfg, scenes, nil)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if err := st.scheduler.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}
	id, err := st.scheduler.Submit(ctx, rf.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to submit: %w", err)
	}
	log.Info("Build running in-process", "build", id)
	return waitFinished(ctx, st.scheduler, id, 50*time.Millisecond)
}

// ============================================================================
// status / cancel
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var serverAddr string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <build-id>",
		Short: "Show build status",
		Long:  "Display the overall status and per-tile progress of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(serverAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Status(cmd.Context(), types.BuildID(args[0]))
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", defaultServerAddr, "CubeBuilder service address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Cancel a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(serverAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Cancel(cmd.Context(), types.BuildID(args[0])); err != nil {
				return fmt.Errorf("failed to cancel: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled build %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", defaultServerAddr, "CubeBuilder service address")
	return cmd
}

func printStatus(w io.Writer, st *types.BuildStatus) error {
	fmt.Fprintf(w, "Build:   %s\n", st.Build)
	fmt.Fprintf(w, "Overall: %s\n", st.Overall)
	if st.Cancelled {
		fmt.Fprintln(w, "         (cancelled)")
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TILE\tSTAGE\tSTATUS\tDEGRADED\tEXHAUSTED PERIODS\tEMPTY PERIODS")
	for _, t := range st.Tiles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\t%v\n", t.Tile, t.Stage, t.Status, t.Degraded, t.ExhaustedPeriods, t.EmptyPeriods)
	}
	return tw.Flush()
}

// ============================================================================
// plan
// ============================================================================

func buildPlanCommand() *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the tile/period decomposition of a request",
		Long:  "Run the planner on a request file and list every work unit with its candidate scenes, without executing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := loadRequest(requestFile)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), rf)
		},
	}
	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "request file (.yaml, .yml or .hcl)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func printPlan(w io.Writer, rf *RequestFile) error {
	scenes, err := scheduler.StaticScenes(rf.Scenes).Scenes(context.Background(), rf.Request.Collections)
	if err != nil {
		return err
	}
	plan, err := planner.Plan(rf.Request, scenes)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Cube %s v%d: %d tiles x %d periods = %d merge jobs\n\n",
		rf.Request.Cube, rf.Request.Version, len(plan.Tiles), len(plan.Periods), len(plan.Units))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TILE\tPERIOD\tSCENES")
	for _, u := range plan.Units {
		ids := make([]string, 0, len(u.Scenes))
		for _, s := range u.Scenes {
			ids = append(ids, s.ID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\n", u.Tile.ID, u.Period.Key(), ids)
	}
	return tw.Flush()
}
