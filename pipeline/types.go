package pipeline

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/report"
	"github.com/lucasjlepore/gaitphase/segment"
	"github.com/lucasjlepore/gaitphase/trial"
	"github.com/lucasjlepore/gaitphase/validate"
)

// Skip stages recorded in the run report.
const (
	StageRead     = "read"
	StageSegment  = "segment"
	StageResample = "resample"
	StageValidate = "validate"
)

// Options configures the standardize pipeline.
type Options struct {
	// Inputs are trial files, directories or doublestar patterns.
	Inputs    []string
	OutDir    string
	Format    string // parquet|csv|sqlite
	Overwrite bool
	// TimeTable also writes the time-indexed table of every trial read.
	TimeTable bool
	// Database, when set, also receives the phase table and the validation run.
	Database    string
	MetricsFile string

	// Expectations is an optional expectation document; without it the run
	// standardizes only.
	Expectations         string
	RepresentativePhases []float64
	Validation           validate.Config

	Read trial.ReadOptions
	// Signal is the event channel template, e.g. "vertical_grf_{side}_N".
	Signal    string
	Sides     []trial.Side
	Segment   segment.Options
	Variables []string
	Phase     phase.Options

	Workers  int
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// ValidateOptions configures validation of an existing stride table.
type ValidateOptions struct {
	TablePath            string
	Expectations         string
	RepresentativePhases []float64
	// Points is the grid length the expectations are defined on.
	Points     int
	Validation validate.Config

	OutDir      string
	Overwrite   bool
	Database    string
	MetricsFile string

	Workers  int
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// Result returns generated output paths and the run report.
type Result struct {
	RunID         string                  `json:"run_id"`
	OutputDir     string                  `json:"output_dir"`
	TablePath     string                  `json:"table_path,omitempty"`
	TimeTablePath string                  `json:"time_table_path,omitempty"`
	DatabasePath  string                  `json:"database_path,omitempty"`
	MetricsPath   string                  `json:"metrics_path,omitempty"`
	Report        *report.ExportResult    `json:"report"`
	TrialsRead    int                     `json:"trials_read"`
	Strides       int                     `json:"strides"`
	Skipped       []report.SkippedItem    `json:"skipped"`
	Warnings      []string                `json:"warnings,omitempty"`
	Validation    *validate.DatasetReport `json:"validation,omitempty"`
	Table         *phase.Table            `json:"-"`
}
