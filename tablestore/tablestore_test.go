package tablestore

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasjlepore/gaitphase/expect"
	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/trial"
	"github.com/lucasjlepore/gaitphase/validate"
)

const (
	hip  = "hip_flexion_angle_ipsi_rad"
	knee = "knee_flexion_angle_ipsi_rad"
)

func rampStride(subject, task string, index int, side trial.Side, offset float64) *phase.PhaseNormalizedStride {
	s := &phase.PhaseNormalizedStride{
		ID:        phase.StrideID{SubjectID: subject, TaskID: task, StrideIndex: index},
		Side:      side,
		Phase:     phase.Grid(phase.DefaultPoints),
		Variables: []string{hip, knee},
		Values:    map[string][]float64{},
	}
	for _, name := range s.Variables {
		vals := make([]float64, phase.DefaultPoints)
		for i := range vals {
			vals[i] = offset + float64(i)/1000
		}
		s.Values[name] = vals
	}
	return s
}

func sampleTable(t *testing.T) *phase.Table {
	t.Helper()
	table, err := phase.TableFromStrides([]*phase.PhaseNormalizedStride{
		rampStride("AB01", "level_walking", 0, trial.Left, 0),
		rampStride("AB01", "level_walking", 1, trial.Right, 0.05),
		rampStride("AB02", "stair_ascent", 0, trial.Left, 0.5),
	})
	require.NoError(t, err)
	return table
}

func TestStrideParquetBytesRoundTrip(t *testing.T) {
	table := sampleTable(t)
	data, err := MarshalStrideParquet(table)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, "PAR1", string(data[:4]))

	got, err := UnmarshalStrideParquet(data)
	require.NoError(t, err)
	assert.Equal(t, table, got)
}

func TestStrideParquetFileRoundTrip(t *testing.T) {
	table := sampleTable(t)
	path := filepath.Join(t.TempDir(), "strides.parquet")
	require.NoError(t, WriteStrideParquet(path, table))

	got, err := ReadStrideParquet(path)
	require.NoError(t, err)
	assert.Equal(t, table.Variables, got.Variables)
	assert.Equal(t, table.Rows, got.Rows)
}

func TestStrideParquetKeepsPartialStrides(t *testing.T) {
	partial := rampStride("AB01", "level_walking", 2, trial.Left, 0)
	delete(partial.Values, knee)
	partial.Variables = []string{hip}
	table, err := phase.TableFromStrides([]*phase.PhaseNormalizedStride{
		rampStride("AB01", "level_walking", 1, trial.Left, 0),
		partial,
	})
	require.NoError(t, err)

	data, err := MarshalStrideParquet(table)
	require.NoError(t, err)
	got, err := UnmarshalStrideParquet(data)
	require.NoError(t, err)
	require.Len(t, got.Rows, 300)
	last := got.Rows[len(got.Rows)-1]
	assert.Equal(t, 2, last.StrideIndex)
	assert.True(t, math.IsNaN(last.Values[got.Column(knee)]))
}

func TestStrideCSVRoundTrip(t *testing.T) {
	table := sampleTable(t)
	var buf bytes.Buffer
	require.NoError(t, WriteStrideCSV(&buf, table))
	header := strings.SplitN(buf.String(), "\n", 2)[0]
	assert.Equal(t, "subject_id,task_id,stride_index,side,phase_index,phase_pct,"+hip+","+knee, header)

	got, err := ReadStrideCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, table, got)
}

func TestReadStrideCSVRejectsForeignHeader(t *testing.T) {
	_, err := ReadStrideCSV(strings.NewReader("time_s,vertical_grf_l_N\n0,1\n"))
	assert.Error(t, err)
}

func TestTrialCSVReadsBackThroughTrialDecoder(t *testing.T) {
	tr := &trial.RawTrial{
		SubjectID:      "AB01",
		TaskID:         "level_walking",
		SamplingRateHz: 100,
		Channels: map[string][]float64{
			"vertical_grf_l_N":         {0, 500, 900, 20},
			"knee_flexion_angle_l_rad": {0.1, 0.2, 0.3},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteTrialCSV(&buf, tr))

	got, err := trial.DecodeCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, "AB01", got.SubjectID)
	assert.InDelta(t, 100.0, got.SamplingRateHz, 1e-9)
	assert.Equal(t, tr.Channels["vertical_grf_l_N"], got.Channels["vertical_grf_l_N"])
	assert.True(t, math.IsNaN(got.Channels["knee_flexion_angle_l_rad"][3]))
}

func TestTrialParquetRoundTrip(t *testing.T) {
	trials := []*trial.RawTrial{
		{SubjectID: "AB01", TaskID: "level_walking", Source: "a.csv", SamplingRateHz: 100,
			Channels: map[string][]float64{"vertical_grf_l_N": {1, 2, 3}, "power_w": {4, 5, 6}}},
		{SubjectID: "AB02", TaskID: "run", Source: "b.fit", SamplingRateHz: 1,
			Channels: map[string][]float64{"power_w": {200, 210}}},
	}
	data, err := MarshalTrialParquet(trials)
	require.NoError(t, err)
	got, err := UnmarshalTrialParquet(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, trials[0].Channels, got[0].Channels)
	assert.Equal(t, "b.fit", got[1].Source)
	assert.Equal(t, 1.0, got[1].SamplingRateHz)

	path := filepath.Join(t.TempDir(), "trials.parquet")
	require.NoError(t, WriteTrialParquet(path, trials))
}

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "gait.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	empty, err := db.ReadTable(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.Rows)

	table := sampleTable(t)
	require.NoError(t, db.WriteTable(ctx, table))
	got, err := db.ReadTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, table, got)

	// Writing again replaces the table.
	require.NoError(t, db.WriteTable(ctx, table))
	got, err = db.ReadTable(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Rows, len(table.Rows))
}

func TestSQLiteRepresentativeRead(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.WriteTable(ctx, sampleTable(t)))

	sparse, err := db.ReadRepresentative(ctx, []int{0, 37, 75, 112})
	require.NoError(t, err)
	assert.Equal(t, 150, sparse.Points)
	assert.Len(t, sparse.Rows, 3*4)
	for _, r := range sparse.Rows {
		assert.Contains(t, []int{0, 37, 75, 112}, r.PhaseIndex)
	}

	_, err = db.ReadRepresentative(ctx, nil)
	assert.Error(t, err)
}

func TestSQLiteSparseValidationMatchesFull(t *testing.T) {
	ctx := context.Background()
	doc := `
tasks:
  - task: level_walking
    variables:
      - name: hip_flexion_angle_ipsi_rad
        ranges:
          - {phase: 0, min: 0, max: 0.04}
          - {phase: 25, min: 0, max: 0.1}
          - {phase: 50, min: 0, max: 0.1}
          - {phase: 75, min: 0, max: 0.2}
`
	store, err := expect.Load(strings.NewReader(doc), phase.DefaultPoints, nil)
	require.NoError(t, err)
	v, err := validate.NewValidator(store, validate.DefaultConfig())
	require.NoError(t, err)

	table := sampleTable(t)
	db := openTestDB(t)
	require.NoError(t, db.WriteTable(ctx, table))
	sparse, err := db.ReadRepresentative(ctx, store.RepresentativePhases())
	require.NoError(t, err)

	full, err := validate.ValidateDataset(ctx, table, v, validate.DatasetOptions{})
	require.NoError(t, err)
	fromDB, err := validate.ValidateDataset(ctx, sparse, v, validate.DatasetOptions{})
	require.NoError(t, err)
	assert.Equal(t, full, fromDB)
	require.NotEmpty(t, full.Failures)

	rec, err := db.SaveRun(ctx, "expectations.yaml", fromDB)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.RunID)
	assert.Equal(t, fromDB.StridesChecked, rec.StridesChecked)

	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rec.RunID, runs[0].RunID)
	assert.Equal(t, 1, runs[0].StridesSkipped)

	failures, err := db.Failures(ctx, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, fromDB.Failures, failures)
}

func TestSQLitePersistsNaNObservations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	report := &validate.DatasetReport{
		StridesChecked: 1,
		StridesFailed:  1,
		Failures: []validate.Failure{{
			SubjectID: "AB01", TaskID: "level_walking", Variable: hip,
			Observed: math.NaN(), Min: 0, Max: 1, Category: validate.CategoryLocal,
		}},
	}
	rec, err := db.SaveRun(ctx, "", report)
	require.NoError(t, err)
	failures, err := db.Failures(ctx, rec.RunID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.True(t, math.IsNaN(failures[0].Observed))
}

func TestTableFileDispatch(t *testing.T) {
	ctx := context.Background()
	table := sampleTable(t)
	dir := t.TempDir()
	for _, format := range []string{FormatParquet, FormatCSV, FormatSQLite} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(dir, "strides."+FormatExtension(format))
			require.NoError(t, WriteTableFile(ctx, path, format, table))

			detected, err := FormatFromPath(path)
			require.NoError(t, err)
			assert.Equal(t, format, detected)

			got, err := ReadTableFile(ctx, path, nil)
			require.NoError(t, err)
			assert.Equal(t, table.Variables, got.Variables)
			assert.Equal(t, table.Rows, got.Rows)
		})
	}

	_, err := FormatFromPath("strides.xlsx")
	assert.Error(t, err)
	assert.Error(t, WriteTableFile(ctx, filepath.Join(dir, "x"), "xlsx", table))
}
