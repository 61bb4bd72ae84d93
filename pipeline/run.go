// Package pipeline runs the batch: trial files in, stride tables and a
// validation report out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasjlepore/gaitphase/expect"
	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/report"
	"github.com/lucasjlepore/gaitphase/segment"
	"github.com/lucasjlepore/gaitphase/tablestore"
	"github.com/lucasjlepore/gaitphase/trial"
	"github.com/lucasjlepore/gaitphase/validate"
)

// noStride marks skipped items that are not tied to a stride.
const noStride = -1

// trialWork is the shared-nothing state of one input file.
type trialWork struct {
	path     string
	trial    *trial.RawTrial
	strides  []segment.Stride
	out      []*phase.PhaseNormalizedStride
	skipped  []report.SkippedItem
	warnings []string
}

// Run reads trials, cuts them into strides, resamples every stride onto the
// phase grid, writes the stride table and, when expectations are given,
// validates it. Problems with single trials or strides are recorded as
// skipped items and the run continues; configuration errors abort before
// any trial is read.
func Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(opts.OutDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	format, err := normalizeFormat(opts.Format)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Signal) == "" {
		return nil, fmt.Errorf("event signal is required")
	}
	if err := opts.Segment.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("threshold policy: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Phase.Points <= 0 {
		opts.Phase.Points = phase.DefaultPoints
	}
	if opts.Phase.Logger == nil {
		opts.Phase.Logger = logger
	}
	if opts.Segment.Logger == nil {
		opts.Segment.Logger = logger
	}
	sides := opts.Sides
	if len(sides) == 0 {
		sides = trial.Sides
	}

	paths, err := ExpandInputs(opts.Inputs)
	if err != nil {
		return nil, fmt.Errorf("expand inputs: %w", err)
	}
	validator, expectations, err := loadValidator(opts.Expectations, opts.Phase.Points, opts.RepresentativePhases, opts.Validation)
	if err != nil {
		return nil, err
	}
	if err := report.EnsureOutputDir(opts.OutDir, opts.Overwrite); err != nil {
		return nil, err
	}
	metrics := NewMetrics(opts.Registry)
	workers := workerCount(opts.Workers)
	logger.Info("standardize run started", "inputs", len(paths), "workers", workers, "format", format)

	work := make([]trialWork, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			work[i] = readAndSegment(path, opts, sides, logger)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	assignStrideIndices(work)

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range work {
		if work[i].trial == nil {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resampleTrial(&work[i], opts, logger)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{OutputDir: opts.OutDir}
	var strides []*phase.PhaseNormalizedStride
	var trials []*trial.RawTrial
	for _, w := range work {
		if w.trial != nil {
			trials = append(trials, w.trial)
			metrics.trialsRead.Inc()
		}
		strides = append(strides, w.out...)
		res.Skipped = append(res.Skipped, w.skipped...)
		res.Warnings = append(res.Warnings, w.warnings...)
	}
	for _, s := range res.Skipped {
		metrics.skipped.WithLabelValues(s.Stage).Inc()
	}
	metrics.strides.Add(float64(len(strides)))
	res.TrialsRead = len(trials)
	res.Strides = len(strides)

	table, err := phase.TableFromStrides(strides)
	if err != nil {
		return nil, fmt.Errorf("build phase table: %w", err)
	}
	if table.Points == 0 {
		table.Points = opts.Phase.Points
	}
	res.Table = table

	res.TablePath = filepath.Join(opts.OutDir, "strides."+tablestore.FormatExtension(format))
	if err := tablestore.WriteTableFile(ctx, res.TablePath, format, table); err != nil {
		return nil, fmt.Errorf("write stride table: %w", err)
	}
	tables := []string{filepath.Base(res.TablePath)}
	if opts.TimeTable && len(trials) > 0 {
		res.TimeTablePath, err = writeTimeTable(opts.OutDir, format, trials)
		if err != nil {
			return nil, err
		}
		tables = append(tables, filepath.Base(res.TimeTablePath))
	}

	if validator != nil {
		res.Validation, err = validate.ValidateDataset(ctx, table, validator, validate.DatasetOptions{Workers: workers})
		if err != nil {
			return nil, fmt.Errorf("validate dataset: %w", err)
		}
		metrics.observeValidation(res.Validation)
		logger.Info("validation finished",
			"checked", res.Validation.StridesChecked,
			"passed", res.Validation.StridesPassed,
			"failed", res.Validation.StridesFailed,
			"skipped", len(res.Validation.Skipped))
	}

	if opts.Database != "" {
		res.DatabasePath = opts.Database
		res.RunID, err = persist(ctx, opts.Database, table, opts.Expectations, res.Validation)
		if err != nil {
			return nil, err
		}
	}

	bundle := &report.Bundle{
		RunID:        res.RunID,
		Inputs:       hashInputs(paths, logger),
		Expectations: expectations,
		Tables:       tables,
		Strides:      len(strides),
		Skipped:      res.Skipped,
		Warnings:     res.Warnings,
		Validation:   res.Validation,
	}
	res.Report, err = report.Export(opts.OutDir, bundle, report.ExportOptions{Overwrite: true})
	if err != nil {
		return nil, fmt.Errorf("export report: %w", err)
	}
	res.RunID = bundle.RunID

	metrics.duration.Set(time.Since(start).Seconds())
	if opts.MetricsFile != "" {
		if err := metrics.WriteTextfile(opts.MetricsFile); err != nil {
			return nil, err
		}
		res.MetricsPath = opts.MetricsFile
	}
	logger.Info("standardize run finished",
		"run_id", res.RunID,
		"trials", res.TrialsRead,
		"strides", res.Strides,
		"skipped", len(res.Skipped),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func readAndSegment(path string, opts Options, sides []trial.Side, logger *slog.Logger) trialWork {
	w := trialWork{path: path}
	t, err := trial.ReadFile(path, opts.Read)
	if err == nil {
		err = t.Validate()
	}
	if err != nil {
		logger.Warn("skipping trial", "source", path, "reason", err)
		item := report.SkippedItem{Stage: StageRead, StrideIndex: noStride, Source: path, Reason: err.Error()}
		if t != nil {
			item.SubjectID = t.SubjectID
			item.TaskID = t.TaskID
		}
		w.skipped = append(w.skipped, item)
		return w
	}
	w.trial = t

	for _, side := range sides {
		signal := segment.SignalFor(opts.Signal, side)
		seg, err := segment.DetectStrides(t, side, signal, opts.Segment)
		if err != nil {
			logger.Warn("skipping side", "subject", t.SubjectID, "task", t.TaskID, "side", side, "reason", err)
			w.skipped = append(w.skipped, w.item(StageSegment, side, noStride, err.Error()))
			continue
		}
		w.warnings = append(w.warnings, seg.Warnings...)
		if len(seg.Crossings) < 2 {
			w.skipped = append(w.skipped, w.item(StageSegment, side, noStride,
				fmt.Sprintf("%d threshold crossing(s) on %s", len(seg.Crossings), signal)))
		}
		for _, d := range seg.Dropped {
			w.skipped = append(w.skipped, w.item(StageSegment, side, noStride, d.Reason))
		}
		w.strides = append(w.strides, seg.Strides...)
	}
	return w
}

func (w *trialWork) item(stage string, side trial.Side, strideIndex int, reason string) report.SkippedItem {
	return report.SkippedItem{
		Stage:       stage,
		SubjectID:   w.trial.SubjectID,
		TaskID:      w.trial.TaskID,
		Side:        string(side),
		StrideIndex: strideIndex,
		Source:      w.path,
		Reason:      reason,
	}
}

// assignStrideIndices numbers strides per (subject, task) in input order,
// then by stride start; left comes before right on equal starts.
func assignStrideIndices(work []trialWork) {
	next := map[[2]string]int{}
	for i := range work {
		w := &work[i]
		if w.trial == nil {
			continue
		}
		sort.SliceStable(w.strides, func(a, b int) bool {
			if w.strides[a].Start != w.strides[b].Start {
				return w.strides[a].Start < w.strides[b].Start
			}
			return w.strides[a].Side == trial.Left && w.strides[b].Side != trial.Left
		})
		key := [2]string{w.trial.SubjectID, w.trial.TaskID}
		for k := range w.strides {
			w.strides[k].Index = next[key]
			next[key]++
		}
	}
}

func resampleTrial(w *trialWork, opts Options, logger *slog.Logger) {
	warnedMissing := false
	for _, st := range w.strides {
		out, err := phase.Resample(st, opts.Variables, opts.Phase)
		if err != nil {
			reason := err.Error()
			switch {
			case errors.Is(err, phase.ErrInsufficientData):
				logger.Debug("stride too short to resample", "subject", w.trial.SubjectID, "task", w.trial.TaskID, "stride", st.Index)
			case errors.Is(err, phase.ErrRaggedChannel):
				logger.Warn("ragged channel", "subject", w.trial.SubjectID, "task", w.trial.TaskID, "stride", st.Index, "reason", reason)
			default:
				logger.Warn("stride not resampled", "subject", w.trial.SubjectID, "task", w.trial.TaskID, "stride", st.Index, "reason", reason)
			}
			w.skipped = append(w.skipped, w.item(StageResample, st.Side, st.Index, reason))
			continue
		}
		if len(out.Missing) > 0 && !warnedMissing {
			w.warnings = append(w.warnings, fmt.Sprintf("%s: no channel for %s", w.trial.Label(), strings.Join(out.Missing, ", ")))
			warnedMissing = true
		}
		w.out = append(w.out, out)
	}
}

func loadValidator(path string, points int, pcts []float64, cfg validate.Config) (*validate.Validator, *report.InputFile, error) {
	if path == "" {
		return nil, nil, nil
	}
	store, err := expect.LoadFile(path, points, pcts)
	if err != nil {
		return nil, nil, fmt.Errorf("load expectations: %w", err)
	}
	v, err := validate.NewValidator(store, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("configure validator: %w", err)
	}
	in, err := report.HashFile(path)
	if err != nil {
		return nil, nil, err
	}
	return v, &in, nil
}

func writeTimeTable(outDir, format string, trials []*trial.RawTrial) (string, error) {
	if format == tablestore.FormatCSV {
		dir := filepath.Join(outDir, "trials")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create trials directory: %w", err)
		}
		for i, t := range trials {
			name := fmt.Sprintf("%03d_%s__%s.csv", i, t.SubjectID, t.TaskID)
			if err := tablestore.WriteTrialCSVFile(filepath.Join(dir, name), t); err != nil {
				return "", err
			}
		}
		return dir, nil
	}
	path := filepath.Join(outDir, "trials.parquet")
	if err := tablestore.WriteTrialParquet(path, trials); err != nil {
		return "", fmt.Errorf("write time table: %w", err)
	}
	return path, nil
}

// persist writes the table and, when present, the validation run to the
// database. It returns the stored run id.
func persist(ctx context.Context, path string, table *phase.Table, expectations string, rep *validate.DatasetReport) (string, error) {
	db, err := tablestore.OpenSQLite(path)
	if err != nil {
		return "", err
	}
	defer db.Close()
	if table != nil {
		if err := db.WriteTable(ctx, table); err != nil {
			return "", fmt.Errorf("store phase table: %w", err)
		}
	}
	if rep == nil {
		return "", nil
	}
	rec, err := db.SaveRun(ctx, expectations, rep)
	if err != nil {
		return "", fmt.Errorf("store validation run: %w", err)
	}
	return rec.RunID, nil
}

func hashInputs(paths []string, logger *slog.Logger) []report.InputFile {
	out := make([]report.InputFile, 0, len(paths))
	for _, p := range paths {
		in, err := report.HashFile(p)
		if err != nil {
			logger.Warn("could not hash input", "source", p, "reason", err)
			continue
		}
		out = append(out, in)
	}
	return out
}

func normalizeFormat(format string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = tablestore.FormatParquet
	}
	switch format {
	case tablestore.FormatParquet, tablestore.FormatCSV, tablestore.FormatSQLite:
		return format, nil
	default:
		return "", fmt.Errorf("unsupported format %q (expected parquet|csv|sqlite)", format)
	}
}

func workerCount(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}
