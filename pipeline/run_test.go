package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/segment"
	"github.com/lucasjlepore/gaitphase/tablestore"
	"github.com/lucasjlepore/gaitphase/trial"
	"github.com/lucasjlepore/gaitphase/validate"
)

const expectationsDoc = `
tasks:
  - task: level_walking
    variables:
      - name: knee_flexion_angle_ipsi_rad
        ranges:
          - {phase: 0, min: -1, max: 1}
          - {phase: 25, min: -1, max: 1}
          - {phase: 50, min: -1, max: 1}
          - {phase: 75, min: -1, max: 1}
`

// walkingTrial builds 6 s at 100 Hz with a heel strike every second on each
// leg, the right leg half a cycle behind the left.
func walkingTrial(subject string, kneeOffset float64) *trial.RawTrial {
	const n = 600
	t := &trial.RawTrial{
		SubjectID:      subject,
		TaskID:         "level_walking",
		SamplingRateHz: 100,
		Channels: map[string][]float64{
			"vertical_grf_l_N":         make([]float64, n),
			"vertical_grf_r_N":         make([]float64, n),
			"knee_flexion_angle_l_rad": make([]float64, n),
			"knee_flexion_angle_r_rad": make([]float64, n),
		},
	}
	for _, onset := range []int{50, 150, 250, 350, 450} {
		for i := onset; i < onset+60; i++ {
			t.Channels["vertical_grf_l_N"][i] = 800
			t.Channels["vertical_grf_r_N"][i+50] = 800
		}
	}
	for i := 0; i < n; i++ {
		sec := float64(i) / 100
		t.Channels["knee_flexion_angle_l_rad"][i] = kneeOffset + 0.5*math.Sin(2*math.Pi*sec)
		t.Channels["knee_flexion_angle_r_rad"][i] = kneeOffset + 0.5*math.Cos(2*math.Pi*sec)
	}
	return t
}

func writeFixtures(t *testing.T) (inputDir, expectations string) {
	t.Helper()
	root := t.TempDir()
	inputDir = filepath.Join(root, "trials")
	require.NoError(t, os.MkdirAll(inputDir, 0o755))
	require.NoError(t, tablestore.WriteTrialCSVFile(filepath.Join(inputDir, "AB01__level_walking.csv"), walkingTrial("AB01", 0)))
	require.NoError(t, tablestore.WriteTrialCSVFile(filepath.Join(inputDir, "AB02__level_walking.csv"), walkingTrial("AB02", 100)))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "broken__x.csv"), []byte("foo,bar\n"), 0o644))

	expectations = filepath.Join(root, "expectations.yaml")
	require.NoError(t, os.WriteFile(expectations, []byte(expectationsDoc), 0o644))
	return inputDir, expectations
}

func baseOptions(inputs []string, outDir, expectations string) Options {
	return Options{
		Inputs:       inputs,
		OutDir:       outDir,
		Expectations: expectations,
		Validation:   validate.DefaultConfig(),
		Signal:       "vertical_grf_{side}_N",
		Segment: segment.Options{
			Policy:            segment.ThresholdPolicy{Mode: segment.ThresholdFixed, Value: 20, Direction: segment.Rising},
			MinStrideDuration: segment.DefaultMinStrideDuration,
		},
		Workers: 2,
	}
}

func TestRunStandardizesAndValidates(t *testing.T) {
	inputDir, expectations := writeFixtures(t)
	outDir := filepath.Join(t.TempDir(), "out")
	reg := prometheus.NewRegistry()
	opts := baseOptions([]string{inputDir}, outDir, expectations)
	opts.Registry = reg
	opts.TimeTable = true
	opts.MetricsFile = filepath.Join(t.TempDir(), "gaitphase.prom")

	res, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 2, res.TrialsRead)
	assert.Equal(t, 16, res.Strides)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, StageRead, res.Skipped[0].Stage)
	assert.Equal(t, noStride, res.Skipped[0].StrideIndex)
	assert.True(t, strings.HasSuffix(res.Skipped[0].Source, "broken__x.csv"))

	// Stride indices interleave both legs by start sample.
	strides, err := res.Table.Strides()
	require.NoError(t, err)
	require.Len(t, strides, 16)
	for i, s := range strides[:8] {
		assert.Equal(t, "AB01", s.ID.SubjectID)
		assert.Equal(t, i, s.ID.StrideIndex)
		want := trial.Left
		if i%2 == 1 {
			want = trial.Right
		}
		assert.Equal(t, want, s.Side, "stride %d", i)
		assert.Len(t, s.Phase, phase.DefaultPoints)
	}

	rep := res.Validation
	require.NotNil(t, rep)
	assert.Equal(t, 16, rep.StridesChecked)
	assert.Equal(t, 8, rep.StridesPassed)
	assert.Equal(t, 8, rep.StridesFailed)
	require.Len(t, rep.Tasks, 1)
	assert.Equal(t, 8, rep.Tasks[0].GlobalStrides)
	assert.Len(t, rep.Failures, 8*4)
	for _, f := range rep.Failures {
		assert.Equal(t, "AB02", f.SubjectID)
	}

	for _, p := range []string{res.TablePath, res.TimeTablePath, res.Report.ManifestPath, res.Report.FailuresPath, res.Report.SummaryPath} {
		assert.FileExists(t, p)
	}
	assert.Equal(t, filepath.Join(outDir, "strides.parquet"), res.TablePath)
	assert.NotEmpty(t, res.RunID)

	stored, err := tablestore.ReadStrideParquet(res.TablePath)
	require.NoError(t, err)
	assert.Equal(t, res.Table.Rows, stored.Rows)

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP gaitphase_trials_read_total Trials read and validated
# TYPE gaitphase_trials_read_total counter
gaitphase_trials_read_total 2
# HELP gaitphase_strides_normalized_total Strides resampled onto the phase grid
# TYPE gaitphase_strides_normalized_total counter
gaitphase_strides_normalized_total 16
# HELP gaitphase_strides_validated_total Strides checked against expectations by result
# TYPE gaitphase_strides_validated_total counter
gaitphase_strides_validated_total{result="failed"} 8
gaitphase_strides_validated_total{result="passed"} 8
`), "gaitphase_trials_read_total", "gaitphase_strides_normalized_total", "gaitphase_strides_validated_total"))

	prom, err := os.ReadFile(opts.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `gaitphase_skipped_items_total{stage="read"} 1`)
	assert.Contains(t, string(prom), `gaitphase_failure_points_total{category="global"} 32`)
}

func TestRunWithoutExpectations(t *testing.T) {
	inputDir, _ := writeFixtures(t)
	outDir := t.TempDir()
	opts := baseOptions([]string{filepath.Join(inputDir, "AB01__*.csv")}, outDir, "")
	opts.Format = tablestore.FormatCSV
	opts.Sides = []trial.Side{trial.Right}

	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Nil(t, res.Validation)
	assert.Equal(t, 4, res.Strides)
	assert.Empty(t, res.Report.FailuresPath)

	table, err := tablestore.ReadStrideCSVFile(res.TablePath)
	require.NoError(t, err)
	assert.Equal(t, phase.DefaultPoints, table.Points)
	assert.Len(t, table.Rows, 4*phase.DefaultPoints)
}

func TestRunRecordsSegmentSkips(t *testing.T) {
	dir := t.TempDir()
	tr := walkingTrial("AB01", 0)
	delete(tr.Channels, "vertical_grf_r_N")
	require.NoError(t, tablestore.WriteTrialCSVFile(filepath.Join(dir, "AB01__level_walking.csv"), tr))

	opts := baseOptions([]string{dir}, filepath.Join(dir, "out"), "")
	opts.Segment.MaxStrideDuration = 0.5
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, res.Strides)

	stages := map[string]int{}
	for _, s := range res.Skipped {
		assert.Equal(t, StageSegment, s.Stage)
		stages[s.Side]++
	}
	// Missing right signal, four left strides above the maximum duration.
	assert.Equal(t, map[string]int{"right": 1, "left": 4}, stages)
}

func TestRunSQLiteThenValidateTable(t *testing.T) {
	inputDir, expectations := writeFixtures(t)
	outDir := filepath.Join(t.TempDir(), "out")
	opts := baseOptions([]string{inputDir}, outDir, expectations)
	opts.Format = tablestore.FormatSQLite
	opts.Database = filepath.Join(t.TempDir(), "runs.db")

	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "strides.db"), res.TablePath)

	db, err := tablestore.OpenSQLite(opts.Database)
	require.NoError(t, err)
	runs, err := db.Runs(context.Background())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].RunID)

	vres, err := ValidateTable(context.Background(), ValidateOptions{
		TablePath:    res.TablePath,
		Expectations: expectations,
		Validation:   validate.DefaultConfig(),
		OutDir:       filepath.Join(t.TempDir(), "validated"),
	})
	require.NoError(t, err)
	assert.Equal(t, 16, vres.Strides)
	assert.Equal(t, res.Validation.Failures, vres.Validation.Failures)
	assert.Equal(t, res.Validation.Tasks, vres.Validation.Tasks)
	assert.FileExists(t, vres.Report.ReportPath)
}

func TestRunConfigurationErrorsAbortEarly(t *testing.T) {
	inputDir, _ := writeFixtures(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tasks: []\n"), 0o644))

	outDir := filepath.Join(t.TempDir(), "out")
	_, err := Run(context.Background(), baseOptions([]string{inputDir}, outDir, bad))
	require.Error(t, err)
	assert.NoDirExists(t, outDir)

	opts := baseOptions([]string{inputDir}, outDir, "")
	opts.Format = "xlsx"
	_, err = Run(context.Background(), opts)
	assert.Error(t, err)

	opts = baseOptions([]string{inputDir}, outDir, "")
	opts.Segment.Policy.Mode = "median"
	_, err = Run(context.Background(), opts)
	assert.Error(t, err)

	_, err = Run(context.Background(), baseOptions([]string{filepath.Join(inputDir, "*.fit")}, outDir, ""))
	assert.Error(t, err)
}

func TestRunHonorsCancellation(t *testing.T) {
	inputDir, _ := writeFixtures(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, baseOptions([]string{inputDir}, filepath.Join(t.TempDir(), "out"), ""))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExpandInputs(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "s1", "walk")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	for _, p := range []string{
		filepath.Join(dir, "a.csv"),
		filepath.Join(nested, "b.fit"),
		filepath.Join(nested, "notes.txt"),
	} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	got, err := ExpandInputs([]string{dir, filepath.Join(dir, "a.csv")})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.csv"), filepath.Join(nested, "b.fit")}, got)

	got, err = ExpandInputs([]string{filepath.Join(dir, "**", "*.fit")})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(nested, "b.fit")}, got)

	_, err = ExpandInputs([]string{filepath.Join(dir, "missing.csv")})
	assert.Error(t, err)
	_, err = ExpandInputs(nil)
	assert.Error(t, err)
}

func TestMetricsObserveValidation(t *testing.T) {
	m := NewMetrics(nil)
	m.observeValidation(&validate.DatasetReport{
		StridesPassed: 3,
		StridesFailed: 1,
		Failures: []validate.Failure{
			{Category: validate.CategoryLocal},
			{Category: validate.CategoryLocal},
		},
		Skipped: []validate.SkippedStride{{Reason: validate.SkipIncomplete}},
	})
	m.observeValidation(nil)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.validated.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validated.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failurePoints.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues(StageValidate)))

	path := filepath.Join(t.TempDir(), "m.prom")
	require.NoError(t, m.WriteTextfile(path))
	assert.FileExists(t, path)
}
