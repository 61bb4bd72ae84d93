package report

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Export writes a report bundle for one run into outputDir:
// manifest.json, validation_report.json, failures.jsonl (when validation ran)
// and summary.txt.
func Export(outputDir string, b *Bundle, opts ExportOptions) (*ExportResult, error) {
	if b == nil {
		return nil, fmt.Errorf("bundle is required")
	}
	if outputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := EnsureOutputDir(outputDir, opts.Overwrite); err != nil {
		return nil, err
	}
	if b.RunID == "" {
		b.RunID = uuid.New().String()
	}
	if b.GeneratedAt.IsZero() {
		b.GeneratedAt = time.Now().UTC()
	}

	result := &ExportResult{
		OutputDir:    outputDir,
		ManifestPath: filepath.Join(outputDir, "manifest.json"),
		ReportPath:   filepath.Join(outputDir, "validation_report.json"),
		SummaryPath:  filepath.Join(outputDir, "summary.txt"),
	}

	skipCounts := b.SkipCounts()
	doc := reportFile{
		FormatVersion: FormatVersion,
		RunID:         b.RunID,
		GeneratedAt:   b.GeneratedAt,
		Strides:       b.Strides,
		Validation:    b.Validation,
		Skipped:       nonNilSkipped(b.Skipped),
		SkipCounts:    skipCounts,
		Warnings:      nonNilStrings(b.Warnings),
	}
	if b.Validation != nil {
		rate := b.Validation.PassRate()
		doc.PassRate = &rate
	}
	if err := writeJSON(result.ReportPath, doc); err != nil {
		return nil, fmt.Errorf("write validation report: %w", err)
	}

	if b.Validation != nil {
		result.FailuresPath = filepath.Join(outputDir, "failures.jsonl")
		records := make([]FailureRecord, 0, len(b.Validation.Failures))
		for _, f := range b.Validation.Failures {
			records = append(records, failureRecord(f))
		}
		if err := writeJSONL(result.FailuresPath, records); err != nil {
			return nil, fmt.Errorf("write failures: %w", err)
		}
		result.FailureCount = len(records)
	}

	if err := os.WriteFile(result.SummaryPath, []byte(BuildSummary(b)), 0o644); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}

	manifest := Manifest{
		FormatVersion:  FormatVersion,
		RunID:          b.RunID,
		GeneratedAt:    b.GeneratedAt,
		Inputs:         nonNilInputs(b.Inputs),
		Expectations:   b.Expectations,
		Tables:         b.Tables,
		ReportPath:     filepath.Base(result.ReportPath),
		SummaryPath:    filepath.Base(result.SummaryPath),
		StridesWritten: b.Strides,
		FailureCount:   result.FailureCount,
		SkipCounts:     skipCounts,
		Notes: []string{
			"validation_report.json holds per-task pass rates and failure rankings.",
			"failures.jsonl holds one out-of-range check per line; observed is null when the value was missing.",
			"Phase indices refer to the normalized grid; phase_pct = 100*index/(points-1).",
		},
	}
	if result.FailuresPath != "" {
		manifest.FailuresPath = filepath.Base(result.FailuresPath)
	}
	if err := writeJSON(result.ManifestPath, manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return result, nil
}

// HashFile records path with its size and SHA-256 digest.
func HashFile(path string) (InputFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return InputFile{}, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return InputFile{}, fmt.Errorf("hash input: %w", err)
	}
	return InputFile{
		Path:      path,
		Name:      filepath.Base(path),
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		SizeBytes: n,
	}, nil
}

// EnsureOutputDir creates path and refuses a non-empty directory unless
// overwrite is set.
func EnsureOutputDir(path string, overwrite bool) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("read output directory: %w", err)
	}
	if len(entries) > 0 && !overwrite {
		return fmt.Errorf("output directory is not empty: %s (set overwrite=true to allow)", path)
	}
	return nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONL[T any](path string, records []T) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bufio.NewWriterSize(f, 1<<20)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			return err
		}
	}
	return buf.Flush()
}

func nonNilSkipped(in []SkippedItem) []SkippedItem {
	if in == nil {
		return []SkippedItem{}
	}
	return in
}

func nonNilInputs(in []InputFile) []InputFile {
	if in == nil {
		return []InputFile{}
	}
	return in
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
