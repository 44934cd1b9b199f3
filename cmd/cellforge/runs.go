package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/san-kum/cellforge/internal/checkpoint"
	"github.com/san-kum/cellforge/internal/config"
	"github.com/san-kum/cellforge/internal/experiment"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/storage"
)

func globalConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	applyGlobal(cfg)
	return cfg, nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	cfg, err := globalConfig()
	if err != nil {
		return err
	}
	runs, err := storage.New(cfg.RunsDir).List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no saved runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSEED\tREP\tEND\tSTATUS\tTIMESTAMP")
	for _, run := range runs {
		status := run.Status
		if run.Reason != "" {
			status += " (" + run.Reason + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%g\t%s\t%s\n",
			run.ID, run.Model, run.Seed, run.Replicate, run.EndTime, status,
			run.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	cfg, err := globalConfig()
	if err != nil {
		return err
	}
	runID := ""
	if len(args) > 0 {
		runID = args[0]
	}

	store, err := checkpoint.Open(cfg.CheckpointDB)
	if err != nil {
		return err
	}
	defer store.Close()
	entries, err := store.List(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tREP\tEPOCH\tCLOCK\tMODEL\tSAVED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%d\t%g\t%s\t%s\n",
			e.RunID, e.Replicate, e.Epoch, e.Clock, e.Model, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	cfg, err := globalConfig()
	if err != nil {
		return err
	}
	runID, wanted := args[0], args[1:]
	species, times, states, err := storage.New(cfg.RunsDir).LoadStates(runID)
	if err != nil {
		return err
	}
	if len(times) == 0 {
		return fmt.Errorf("run %s has no samples", runID)
	}
	if len(wanted) == 0 {
		wanted = species
	}

	if svgPath != "" {
		f, err := os.Create(svgPath)
		if err != nil {
			return err
		}
		if err := storage.WriteSVG(f, species, times, states, 800, 400); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", svgPath)
		return nil
	}

	for _, name := range wanted {
		idx := slices.Index(species, name)
		if idx < 0 {
			return fmt.Errorf("run %s has no species %q (have %s)", runID, name, strings.Join(species, ", "))
		}
		data := make([]float64, len(states))
		for i, s := range states {
			data[i] = s[idx]
		}
		caption := fmt.Sprintf("%s, t = %g..%g", name, times[0], times[len(times)-1])
		fmt.Println(asciigraph.Plot(data, asciigraph.Height(10), asciigraph.Width(80), asciigraph.Caption(caption)))
		fmt.Println()
	}
	return nil
}

func exportRun(cmd *cobra.Command, args []string) error {
	cfg, err := globalConfig()
	if err != nil {
		return err
	}
	store := storage.New(cfg.RunsDir)
	meta, err := store.Load(args[0])
	if err != nil {
		return err
	}
	species, times, states, err := store.LoadStates(args[0])
	if err != nil {
		return err
	}
	return storage.ExportRecord(os.Stdout, meta, species, times, states)
}

func describeModels(cmd *cobra.Command, args []string) error {
	reg := experiment.NewRegistry()
	if len(args) == 0 {
		fmt.Println("models:")
		for _, name := range reg.ListModels() {
			fmt.Printf("  %-16s presets: %s\n", name, strings.Join(config.ListPresets(name), ", "))
		}
		fmt.Printf("integrators: %s\n", strings.Join(reg.ListIntegrators(), ", "))
		return nil
	}

	m, err := reg.GetModel(args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SPECIES\tCLASS\tINITIAL")
	for _, s := range m.Species {
		fmt.Fprintf(w, "%s\t%s\t%g\n", s.Name, s.Class, s.Initial)
	}
	fmt.Fprintln(w, "\nREACTION\tFORMALISM\tSTOICHIOMETRY")
	for _, r := range m.Reactions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Formalism, stoichiometry(m.Species, r.Change))
	}
	if len(m.Invariants) > 0 {
		names := make([]string, len(m.Invariants))
		for i, inv := range m.Invariants {
			names[i] = inv.Name
		}
		fmt.Fprintf(w, "\ninvariants: %s\n", strings.Join(names, ", "))
	}
	return w.Flush()
}

// stoichiometry renders net changes as "2 A + B -> C".
func stoichiometry(species []model.Species, change []model.Stoich) string {
	var lhs, rhs []string
	for _, s := range change {
		term := species[s.Species].Name
		coef := s.Delta
		if coef < 0 {
			coef = -coef
		}
		if coef != 1 {
			term = fmt.Sprintf("%g %s", coef, term)
		}
		if s.Delta < 0 {
			lhs = append(lhs, term)
		} else {
			rhs = append(rhs, term)
		}
	}
	side := func(terms []string) string {
		if len(terms) == 0 {
			return "0"
		}
		return strings.Join(terms, " + ")
	}
	return side(lhs) + " -> " + side(rhs)
}
