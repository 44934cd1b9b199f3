package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/san-kum/cellforge/internal/checkpoint"
	"github.com/san-kum/cellforge/internal/config"
	"github.com/san-kum/cellforge/internal/experiment"
	"github.com/san-kum/cellforge/internal/sim"
	"github.com/san-kum/cellforge/internal/storage"
	"github.com/san-kum/cellforge/internal/tui"
)

// resolveConfig layers defaults or a preset, the config file, the
// environment and finally explicitly set flags.
func resolveConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	model := ""
	if len(args) > 0 {
		model = args[0]
	}

	cfg := config.DefaultConfig()
	if preset != "" {
		if model == "" {
			return nil, errors.New("--preset needs a model argument")
		}
		p := config.GetPreset(model, preset)
		if p == nil {
			return nil, fmt.Errorf("unknown preset %q for model %q (available: %s)",
				preset, model, strings.Join(config.ListPresets(model), ", "))
		}
		cfg = p
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if model != "" {
		cfg.Model = model
	}

	f := cmd.Flags()
	if f.Changed("seed") {
		cfg.Seed = seed
	}
	if f.Changed("replicate") {
		cfg.Replicate = replicate
	}
	if f.Changed("end-time") {
		cfg.EndTime = endTime
	}
	if f.Changed("max-step") {
		cfg.MaxStep = maxStep
	}
	if f.Changed("output-interval") {
		cfg.OutputInterval = outputInterval
	}
	if f.Changed("solver") {
		cfg.Solver = solver
	}
	if f.Changed("replicates") {
		cfg.Replicates = replicates
	}
	if f.Changed("workers") {
		cfg.Workers = workers
	}
	if f.Changed("checkpoint-interval") {
		cfg.CheckpointInterval = checkpointInterval
	}
	if len(initial) > 0 {
		if cfg.Initial == nil {
			cfg.Initial = map[string]float64{}
		}
		for name, raw := range initial {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("initial %s: %w", name, err)
			}
			cfg.Initial[name] = v
		}
	}
	if len(formalisms) > 0 {
		if cfg.Formalisms == nil {
			cfg.Formalisms = map[string]string{}
		}
		for name, form := range formalisms {
			cfg.Formalisms[name] = form
		}
	}
	applyGlobal(cfg)
	return cfg, nil
}

func applyGlobal(cfg *config.Config) {
	if dataDir != "" {
		cfg.RunsDir = dataDir
	}
	if dbPath != "" {
		cfg.CheckpointDB = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

// newExperiment wires logging, metrics and checkpoints around cfg. The
// returned cleanup closes the checkpoint store, if one was opened.
func newExperiment(cfg *config.Config, opts ...experiment.Option) (*experiment.Experiment, *slog.Logger, func(), error) {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	col, err := serveMetrics(logger)
	if err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() {}
	opts = append([]experiment.Option{experiment.WithLogger(logger), experiment.WithCollectors(col)}, opts...)
	if cfg.CheckpointInterval > 0 {
		store, err := checkpoint.Open(cfg.CheckpointDB)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup = func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing checkpoint store", "error", err)
			}
		}
		opts = append(opts, experiment.WithCheckpoints(store))
	}

	exp, err := experiment.New(cfg, experiment.NewRegistry(), opts...)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return exp, logger, cleanup, nil
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args)
	if err != nil {
		return err
	}
	exp, logger, cleanup, err := newExperiment(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	res, runErr := exp.Run(cmd.Context())
	if res == nil {
		return runErr
	}
	id, err := saveResult(cfg, exp.RunID(), res)
	if err != nil {
		return err
	}
	logger.Info("run saved", "run", id, "dir", cfg.RunsDir)

	printResult(id, res)
	if jsonOut {
		if err := storage.ExportJSON(os.Stdout, cfg.Model, cfg.Seed, res); err != nil {
			return err
		}
	}
	return runErr
}

func saveResult(cfg *config.Config, runID string, res *sim.Result) (string, error) {
	store := storage.New(cfg.RunsDir)
	if err := store.Init(); err != nil {
		return "", err
	}
	return store.Save(storage.RunMetadata{
		ID:             runID,
		Model:          cfg.Model,
		Seed:           cfg.Seed,
		EndTime:        cfg.EndTime,
		OutputInterval: cfg.OutputInterval,
		Integrator:     cfg.Solver,
	}, res)
}

func printResult(id string, res *sim.Result) {
	fmt.Printf("run %s: %s\n", id, res.Status)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "species\tfinal")
	for i, name := range res.Final.Species {
		fmt.Fprintf(w, "%s\t%.6g\n", name, res.Final.Values[i])
	}
	w.Flush()

	if len(res.Metrics) > 0 {
		names := make([]string, 0, len(res.Metrics))
		for name := range res.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "\nmetric\tvalue")
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%.6g\n", name, res.Metrics[name])
		}
		w.Flush()
	}
	s := res.Stats
	fmt.Printf("\nepochs %d  firings %d  fallbacks %d  leap retries %d  truncations %d  rejected %d  clamps %d  ode steps %d\n",
		s.Epochs, s.Firings, s.Fallbacks, s.LeapRetries, s.Truncations, s.RejectedEpochs, s.Clamps, s.ODESteps)
}

func runEnsemble(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args)
	if err != nil {
		return err
	}
	// ensembles never checkpoint
	cfg.CheckpointInterval = 0
	exp, logger, cleanup, err := newExperiment(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	results, runErr := exp.Ensemble(cmd.Context())
	if runErr != nil {
		logger.Warn("some replicates failed", "error", runErr)
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		if _, err := saveResult(cfg, storage.NewRunID(), res); err != nil {
			return err
		}
	}

	summary := sim.Summarize(results)
	fmt.Printf("%s: %d replicates, seed %d\n", cfg.Model, cfg.Replicates, cfg.Seed)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "species\tmean\tstddev\tn")
	for i, name := range summary.Species {
		fmt.Fprintf(w, "%s\t%.6g\t%.6g\t%d\n", name, summary.Mean[i], summary.StdDev[i], summary.N)
	}
	w.Flush()
	return runErr
}

func resumeRun(cmd *cobra.Command, args []string) error {
	runID := args[0]
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	applyGlobal(cfg)

	store, err := checkpoint.Open(cfg.CheckpointDB)
	if err != nil {
		return err
	}
	cp, err := store.Latest(cmd.Context(), runID, replicate)
	store.Close()
	if err != nil {
		return err
	}

	if cp.Config != "" {
		if cfg, err = config.Parse([]byte(cp.Config)); err != nil {
			return fmt.Errorf("checkpoint config: %w", err)
		}
		applyGlobal(cfg)
	} else {
		cfg.Model = cp.Model
	}
	cfg.Replicate = cp.Replicate
	if cmd.Flags().Changed("end-time") {
		cfg.EndTime = endTime
	}
	if cmd.Flags().Changed("checkpoint-interval") {
		cfg.CheckpointInterval = checkpointInterval
	}

	exp, logger, cleanup, err := newExperiment(cfg, experiment.WithRunID(runID))
	if err != nil {
		return err
	}
	defer cleanup()
	logger.Info("resuming", "run", runID, "epoch", cp.Epoch, "t", cp.Clock)

	res, runErr := exp.Resume(cmd.Context(), cp)
	if res == nil {
		return runErr
	}
	id, err := saveResult(cfg, runID, res)
	if err != nil {
		return err
	}
	printResult(id, res)
	return runErr
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args)
	if err != nil {
		return err
	}
	// the terminal belongs to the view
	exp, err := experiment.New(cfg, experiment.NewRegistry(),
		experiment.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		return err
	}
	h, err := exp.Start()
	if err != nil {
		return err
	}

	st, err := tui.Run(cmd.Context(), h, fmt.Sprintf("%s  seed %d", cfg.Model, cfg.Seed), cfg.EndTime)
	if err != nil {
		return err
	}
	fmt.Println(st)
	return st.Err
}
