package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasjlepore/gaitphase/config"
	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/pipeline"
	"github.com/lucasjlepore/gaitphase/segment"
	"github.com/lucasjlepore/gaitphase/trial"
	"github.com/lucasjlepore/gaitphase/validate"
)

// overrides are command-line values applied over the loaded config when
// their flag was set.
type overrides struct {
	outDir       string
	format       string
	expectations string
	overwrite    bool
	timeTable    bool
	database     string
	metricsFile  string
	derivatives  bool
	passThrough  bool
	workers      int
	signal       string
	mode         string
	threshold    float64
	points       int
	fraction     float64

	subject      string
	task         string
	samplingRate float64
	table        string
}

func (o *overrides) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("out") {
		cfg.Output.Dir = o.outDir
	}
	if flags.Changed("format") {
		cfg.Output.Format = o.format
	}
	if flags.Changed("expectations") {
		cfg.Validation.Expectations = o.expectations
	}
	if flags.Changed("overwrite") {
		cfg.Output.Overwrite = o.overwrite
	}
	if flags.Changed("time-table") {
		cfg.Output.TimeTable = o.timeTable
	}
	if flags.Changed("database") {
		cfg.Output.Database = o.database
	}
	if flags.Changed("metrics-file") {
		cfg.Output.MetricsFile = o.metricsFile
	}
	if flags.Changed("derivatives") {
		cfg.Phase.Derivatives = o.derivatives
	}
	if flags.Changed("pass-through") {
		cfg.Phase.PassThrough = o.passThrough
	}
	if flags.Changed("workers") {
		cfg.Validation.Workers = o.workers
	}
	if flags.Changed("signal") {
		cfg.Segment.Signal = o.signal
	}
	if flags.Changed("mode") {
		cfg.Segment.Mode = o.mode
	}
	if flags.Changed("threshold") {
		cfg.Segment.Threshold = o.threshold
	}
	if flags.Changed("points") {
		cfg.Phase.Points = o.points
	}
	if flags.Changed("global-fraction") {
		cfg.Validation.GlobalFailureFraction = o.fraction
	}
}

func addOutputFlags(cmd *cobra.Command, o *overrides) {
	f := cmd.Flags()
	f.StringVarP(&o.outDir, "out", "o", "", "Output directory")
	f.StringVarP(&o.expectations, "expectations", "e", "", "Expectation document (YAML or JSON)")
	f.BoolVar(&o.overwrite, "overwrite", false, "Allow writing into a non-empty output directory")
	f.StringVar(&o.database, "database", "", "SQLite database receiving tables and validation runs")
	f.StringVar(&o.metricsFile, "metrics-file", "", "Write batch metrics to this textfile")
	f.IntVar(&o.workers, "workers", 0, "Parallel workers (0 = GOMAXPROCS)")
	f.IntVar(&o.points, "points", phase.DefaultPoints, "Phase grid length")
	f.Float64Var(&o.fraction, "global-fraction", validate.DefaultGlobalFailureFraction, "Failing share of checked points above which a stride is global")
}

func standardizeCmd(g *globalFlags) *cobra.Command {
	o := &overrides{}
	cmd := &cobra.Command{
		Use:   "standardize [inputs...]",
		Short: "Segment, phase-normalize and optionally validate trial files",
		Long: `standardize reads CSV and FIT trials (files, directories or ** globs),
detects strides on each leg, resamples them onto the phase grid and writes
the stride table plus a report bundle to the output directory.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			o.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			opts, err := standardizeOptions(cfg, args, o)
			if err != nil {
				return err
			}
			opts.Logger = logger

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := pipeline.Run(ctx, opts)
			if err != nil {
				return fmt.Errorf("standardize: %w", err)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	addOutputFlags(cmd, o)
	f := cmd.Flags()
	f.StringVarP(&o.format, "format", "f", "", "Stride table format: parquet|csv|sqlite")
	f.BoolVar(&o.timeTable, "time-table", false, "Also write the time-indexed trial table")
	f.BoolVar(&o.derivatives, "derivatives", false, "Add velocity and acceleration for every angle")
	f.BoolVar(&o.passThrough, "pass-through", false, "Keep unrecognized channels as opaque values")
	f.StringVar(&o.signal, "signal", "", `Event channel template, e.g. "vertical_grf_{side}_N"`)
	f.StringVar(&o.mode, "mode", "", "Threshold mode: fixed|peak_fraction")
	f.Float64Var(&o.threshold, "threshold", 0, "Threshold value (signal units, or fraction of peak)")
	f.StringVar(&o.subject, "subject", "", "Subject id for files that do not carry one")
	f.StringVar(&o.task, "task", "", "Task id for files that do not carry one")
	f.Float64Var(&o.samplingRate, "sampling-rate", 0, "Sampling rate override in Hz")
	return cmd
}

func standardizeOptions(cfg *config.Config, inputs []string, o *overrides) (pipeline.Options, error) {
	sides, err := cfg.Segment.ParsedSides()
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Inputs:               inputs,
		OutDir:               cfg.Output.Dir,
		Format:               cfg.Output.Format,
		Overwrite:            cfg.Output.Overwrite,
		TimeTable:            cfg.Output.TimeTable,
		Database:             cfg.Output.Database,
		MetricsFile:          cfg.Output.MetricsFile,
		Expectations:         cfg.Validation.Expectations,
		RepresentativePhases: cfg.Validation.RepresentativePhases,
		Validation:           validate.Config{GlobalFailureFraction: cfg.Validation.GlobalFailureFraction},
		Read: trial.ReadOptions{
			SubjectID:      o.subject,
			TaskID:         o.task,
			SamplingRateHz: o.samplingRate,
		},
		Signal: cfg.Segment.Signal,
		Sides:  sides,
		Segment: segment.Options{
			Policy:            cfg.Segment.Policy(),
			MinStrideDuration: cfg.Segment.MinStrideDuration,
			MaxStrideDuration: cfg.Segment.MaxStrideDuration,
		},
		Variables: cfg.Phase.Variables,
		Phase: phase.Options{
			Points:      cfg.Phase.Points,
			Derivatives: cfg.Phase.Derivatives,
			PassThrough: cfg.Phase.PassThrough,
		},
		Workers: cfg.Validation.Workers,
	}, nil
}

func validateCmd(g *globalFlags) *cobra.Command {
	o := &overrides{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an existing stride table against expectations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			o.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := pipeline.ValidateTable(ctx, pipeline.ValidateOptions{
				TablePath:            o.table,
				Expectations:         cfg.Validation.Expectations,
				RepresentativePhases: cfg.Validation.RepresentativePhases,
				Points:               cfg.Phase.Points,
				Validation:           validate.Config{GlobalFailureFraction: cfg.Validation.GlobalFailureFraction},
				OutDir:               cfg.Output.Dir,
				Overwrite:            cfg.Output.Overwrite,
				Database:             cfg.Output.Database,
				MetricsFile:          cfg.Output.MetricsFile,
				Workers:              cfg.Validation.Workers,
				Logger:               logger,
			})
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	addOutputFlags(cmd, o)
	cmd.Flags().StringVarP(&o.table, "table", "t", "", "Stride table (.parquet, .csv or .db)")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default " + config.ProjectConfigFile,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ProjectConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			}
			if err := config.DefaultConfig().SaveToFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing file")
	return cmd
}

func printResult(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "gaitphase complete\n")
	fmt.Fprintf(w, "Run id:              %s\n", res.RunID)
	fmt.Fprintf(w, "Output dir:          %s\n", res.OutputDir)
	if res.TablePath != "" {
		fmt.Fprintf(w, "stride table:        %s\n", res.TablePath)
	}
	if res.TimeTablePath != "" {
		fmt.Fprintf(w, "time table:          %s\n", res.TimeTablePath)
	}
	if res.DatabasePath != "" {
		fmt.Fprintf(w, "database:            %s\n", res.DatabasePath)
	}
	if res.Report != nil {
		fmt.Fprintf(w, "manifest.json:       %s\n", res.Report.ManifestPath)
		fmt.Fprintf(w, "summary:             %s\n", res.Report.SummaryPath)
	}
	fmt.Fprintf(w, "Strides:             %d (skipped items %d)\n", res.Strides, len(res.Skipped))
	if v := res.Validation; v != nil {
		fmt.Fprintf(w, "Validation:          %d/%d passed (%.1f%%)\n", v.StridesPassed, v.StridesChecked, 100*v.PassRate())
	}
}
