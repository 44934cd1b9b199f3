package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/san-kum/cellforge/internal/config"
	"github.com/san-kum/cellforge/internal/metrics"
)

var (
	dataDir     string
	dbPath      string
	logLevel    string
	metricsAddr string
	configFile  string
	preset      string

	seed               uint64
	replicate          uint64
	endTime            float64
	maxStep            float64
	outputInterval     float64
	solver             string
	replicates         int
	workers            int
	checkpointInterval float64
	initial            map[string]string
	formalisms         map[string]string
	jsonOut            bool
	svgPath            string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cellforge",
		Short:         "hybrid stochastic/continuous cell simulation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "run records directory (default from config: runs)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "checkpoint database (default from config: cellforge.db)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	runCmd := &cobra.Command{
		Use:   "run [model]",
		Short: "run one simulation and save its record",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSimulation,
	}
	ensembleCmd := &cobra.Command{
		Use:   "ensemble [model]",
		Short: "run independent replicates and summarize them",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEnsemble,
	}
	liveCmd := &cobra.Command{
		Use:   "live [model]",
		Short: "watch a simulation in the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLive,
	}
	for _, cmd := range []*cobra.Command{runCmd, ensembleCmd, liveCmd} {
		addRunFlags(cmd)
	}
	runCmd.Flags().BoolVar(&jsonOut, "json", false, "also print the trajectory as JSON")

	resumeCmd := &cobra.Command{
		Use:   "resume [run_id]",
		Short: "continue a run from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  resumeRun,
	}
	resumeCmd.Flags().Uint64Var(&replicate, "replicate", 0, "replicate to resume")
	resumeCmd.Flags().Float64Var(&endTime, "end-time", 0, "extend the run to this time")
	resumeCmd.Flags().Float64Var(&checkpointInterval, "checkpoint-interval", 0, "simulated time between checkpoints")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list saved runs",
		RunE:  listRuns,
	}
	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints [run_id]",
		Short: "list stored checkpoints",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listCheckpoints,
	}
	plotCmd := &cobra.Command{
		Use:   "plot [run_id] [species...]",
		Short: "plot species trajectories of a run",
		Args:  cobra.MinimumNArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringVar(&svgPath, "svg", "", "write every species to this SVG file instead")

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "print a run record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRun,
	}
	presetsCmd := &cobra.Command{
		Use:   "presets [model]",
		Short: "list available presets for a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			presets := config.ListPresets(args[0])
			if len(presets) == 0 {
				fmt.Printf("no presets for model: %s\n", args[0])
				return nil
			}
			fmt.Printf("presets for %s:\n", args[0])
			for _, p := range presets {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}
	modelsCmd := &cobra.Command{
		Use:   "models [model]",
		Short: "list built-in models or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  describeModels,
	}

	rootCmd.AddCommand(runCmd, ensembleCmd, liveCmd, resumeCmd, listCmd, checkpointsCmd, plotCmd, exportCmd, presetsCmd, modelsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "config file path (yaml)")
	f.StringVar(&preset, "preset", "", "use preset configuration")
	f.Uint64Var(&seed, "seed", 1, "random seed")
	f.Uint64Var(&replicate, "replicate", 0, "replicate index, selects the random stream")
	f.Float64Var(&endTime, "end-time", config.DefaultEndTime, "simulated end time")
	f.Float64Var(&maxStep, "max-step", config.DefaultMaxStep, "largest epoch")
	f.Float64Var(&outputInterval, "output-interval", config.DefaultOutputInterval, "trajectory sampling interval, 0 records every epoch")
	f.StringVar(&solver, "solver", config.DefaultSolver, "continuous integrator (rk45, rk4)")
	f.IntVar(&replicates, "replicates", 1, "number of replicates")
	f.IntVar(&workers, "workers", 0, "replicates run at once (0: one per CPU)")
	f.Float64Var(&checkpointInterval, "checkpoint-interval", 0, "simulated time between checkpoints, 0 disables")
	f.StringToStringVar(&initial, "initial", nil, "initial quantity overrides, species=amount")
	f.StringToStringVar(&formalisms, "formalism", nil, "formalism overrides, reaction=exact|leaping|continuous")
}

// newLogger sets the default logger from the configured level.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, nil
}

// serveMetrics exposes the run collectors when --metrics-addr is set. It
// returns nil collectors otherwise.
func serveMetrics(logger *slog.Logger) (*metrics.Collectors, error) {
	if metricsAddr == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	col, err := metrics.NewCollectors(reg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", metricsAddr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", metricsAddr)
	return col, nil
}
