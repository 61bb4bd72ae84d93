package report

import (
	"math"
	"time"

	"github.com/lucasjlepore/gaitphase/validate"
)

const (
	// FormatVersion identifies the on-disk schema of report bundles.
	FormatVersion = "gaitphase_report_v1"
)

// ExportOptions controls export behavior.
type ExportOptions struct {
	// Overwrite allows writing into a non-empty output directory.
	Overwrite bool
}

// SkippedItem records a trial, side or stride dropped by the batch with the
// stage that dropped it.
type SkippedItem struct {
	Stage       string `json:"stage"`
	SubjectID   string `json:"subject_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Side        string `json:"side,omitempty"`
	StrideIndex int    `json:"stride_index"`
	Source      string `json:"source,omitempty"`
	Reason      string `json:"reason"`
}

// InputFile identifies an input by path and content hash.
type InputFile struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Bundle is everything a run hands to Export.
type Bundle struct {
	RunID        string
	GeneratedAt  time.Time
	Inputs       []InputFile
	Expectations *InputFile
	// Tables lists stride and trial table files written by the run.
	Tables   []string
	Strides  int
	Skipped  []SkippedItem
	Warnings []string
	// Validation is nil when the run had no expectations.
	Validation *validate.DatasetReport
}

// SkipCounts counts skipped items by "stage/reason".
func (b *Bundle) SkipCounts() map[string]int {
	out := map[string]int{}
	for _, s := range b.Skipped {
		out[s.Stage+"/"+s.Reason]++
	}
	return out
}

// Manifest captures bundle metadata and pointers to exported files.
type Manifest struct {
	FormatVersion  string         `json:"format_version"`
	RunID          string         `json:"run_id"`
	GeneratedAt    time.Time      `json:"generated_at"`
	Inputs         []InputFile    `json:"inputs"`
	Expectations   *InputFile     `json:"expectations,omitempty"`
	Tables         []string       `json:"tables,omitempty"`
	ReportPath     string         `json:"report_path"`
	FailuresPath   string         `json:"failures_path,omitempty"`
	SummaryPath    string         `json:"summary_path"`
	StridesWritten int            `json:"strides_written"`
	FailureCount   int            `json:"failure_count"`
	SkipCounts     map[string]int `json:"skip_counts"`
	Notes          []string       `json:"notes"`
}

// ExportResult describes generated files.
type ExportResult struct {
	OutputDir    string `json:"output_dir"`
	ManifestPath string `json:"manifest_path"`
	ReportPath   string `json:"report_path"`
	FailuresPath string `json:"failures_path,omitempty"`
	SummaryPath  string `json:"summary_path"`
	FailureCount int    `json:"failure_count"`
}

// reportFile is the validation_report.json document.
type reportFile struct {
	FormatVersion string                  `json:"format_version"`
	RunID         string                  `json:"run_id"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Strides       int                     `json:"strides_written"`
	PassRate      *float64                `json:"pass_rate,omitempty"`
	Validation    *validate.DatasetReport `json:"validation,omitempty"`
	Skipped       []SkippedItem           `json:"skipped_items"`
	SkipCounts    map[string]int          `json:"skip_counts"`
	Warnings      []string                `json:"warnings"`
}

// FailureRecord is one failures.jsonl line. Observed is null for
// non-finite values.
type FailureRecord struct {
	SubjectID   string   `json:"subject_id"`
	TaskID      string   `json:"task_id"`
	StrideIndex int      `json:"stride_index"`
	Variable    string   `json:"variable"`
	PhaseIndex  int      `json:"phase_index"`
	PhasePct    float64  `json:"phase_pct"`
	Observed    *float64 `json:"observed"`
	Min         float64  `json:"min"`
	Max         float64  `json:"max"`
	Category    string   `json:"category"`
}

func failureRecord(f validate.Failure) FailureRecord {
	rec := FailureRecord{
		SubjectID:   f.SubjectID,
		TaskID:      f.TaskID,
		StrideIndex: f.StrideIndex,
		Variable:    f.Variable,
		PhaseIndex:  f.PhaseIndex,
		PhasePct:    f.PhasePct,
		Min:         f.Min,
		Max:         f.Max,
		Category:    string(f.Category),
	}
	if !math.IsNaN(f.Observed) && !math.IsInf(f.Observed, 0) {
		v := f.Observed
		rec.Observed = &v
	}
	return rec
}
