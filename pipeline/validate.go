package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/report"
	"github.com/lucasjlepore/gaitphase/tablestore"
	"github.com/lucasjlepore/gaitphase/validate"
)

// ValidateTable validates an existing stride table against an expectation
// document and exports the report bundle. SQLite tables are read sparsely:
// only representative phase rows are loaded.
func ValidateTable(ctx context.Context, opts ValidateOptions) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(opts.TablePath) == "" {
		return nil, fmt.Errorf("table path is required")
	}
	if strings.TrimSpace(opts.Expectations) == "" {
		return nil, fmt.Errorf("expectations are required")
	}
	if strings.TrimSpace(opts.OutDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Points <= 0 {
		opts.Points = phase.DefaultPoints
	}

	validator, expectations, err := loadValidator(opts.Expectations, opts.Points, opts.RepresentativePhases, opts.Validation)
	if err != nil {
		return nil, err
	}
	if err := report.EnsureOutputDir(opts.OutDir, opts.Overwrite); err != nil {
		return nil, err
	}
	metrics := NewMetrics(opts.Registry)

	table, err := tablestore.ReadTableFile(ctx, opts.TablePath, validator.Store().RepresentativePhases())
	if err != nil {
		return nil, fmt.Errorf("read stride table: %w", err)
	}
	workers := workerCount(opts.Workers)
	rep, err := validate.ValidateDataset(ctx, table, validator, validate.DatasetOptions{Workers: workers})
	if err != nil {
		return nil, fmt.Errorf("validate dataset: %w", err)
	}
	metrics.observeValidation(rep)

	res := &Result{
		OutputDir:  opts.OutDir,
		TablePath:  opts.TablePath,
		Strides:    countStrides(table),
		Validation: rep,
		Table:      table,
	}
	if opts.Database != "" {
		res.DatabasePath = opts.Database
		res.RunID, err = persist(ctx, opts.Database, nil, opts.Expectations, rep)
		if err != nil {
			return nil, err
		}
	}

	bundle := &report.Bundle{
		RunID:        res.RunID,
		Inputs:       hashInputs([]string{opts.TablePath}, logger),
		Expectations: expectations,
		Tables:       []string{filepath.Base(opts.TablePath)},
		Strides:      res.Strides,
		Validation:   rep,
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
	logger.Info("validate run finished",
		"run_id", res.RunID,
		"checked", rep.StridesChecked,
		"passed", rep.StridesPassed,
		"failed", rep.StridesFailed,
		"skipped", len(rep.Skipped))
	return res, nil
}

func countStrides(table *phase.Table) int {
	seen := map[phase.StrideID]bool{}
	for _, r := range table.Rows {
		seen[r.ID()] = true
	}
	return len(seen)
}
