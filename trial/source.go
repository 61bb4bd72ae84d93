package trial

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// ReadOptions carries identity hints for sources that do not embed them.
type ReadOptions struct {
	SubjectID string
	TaskID    string
	// SamplingRateHz overrides the rate inferred from the time axis.
	SamplingRateHz float64
}

// ReadFile loads one trial, choosing the reader by file extension.
func ReadFile(path string, opts ReadOptions) (*RawTrial, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("trial path is required")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSVFile(path, opts)
	case ".fit":
		return ReadFITFile(path, opts)
	default:
		return nil, fmt.Errorf("unsupported trial format %q (expected .csv|.fit)", filepath.Ext(path))
	}
}

// identityFromName splits "<subject>__<task>.<ext>" into its parts.
func identityFromName(path string) (subject, task string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.SplitN(base, "__", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func applyIdentity(t *RawTrial, path string, opts ReadOptions) {
	subject, task := identityFromName(path)
	if t.SubjectID == "" {
		t.SubjectID = subject
	}
	if t.TaskID == "" {
		t.TaskID = task
	}
	if opts.SubjectID != "" {
		t.SubjectID = opts.SubjectID
	}
	if opts.TaskID != "" {
		t.TaskID = opts.TaskID
	}
	if opts.SamplingRateHz > 0 {
		t.SamplingRateHz = opts.SamplingRateHz
	}
}

// InferSamplingRate returns 1 / median positive sample interval, or 0 when
// the time axis has no usable intervals.
func InferSamplingRate(times []float64) float64 {
	if len(times) < 2 {
		return 0
	}
	deltas := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		d := times[i] - times[i-1]
		if isFinite(d) && d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return 0
	}
	sort.Float64s(deltas)
	median := stat.Quantile(0.5, stat.Empirical, deltas, nil)
	if median <= 0 {
		return 0
	}
	return 1.0 / median
}
