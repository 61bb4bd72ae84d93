package trial

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tormoder/fit"
)

func validTrial() *RawTrial {
	return &RawTrial{
		SubjectID:      "AB01",
		TaskID:         "level_walking",
		SamplingRateHz: 100,
		Channels: map[string][]float64{
			"knee_flexion_angle_l_rad": {0, 0.1, 0.2},
			"vertical_grf_l_N":         {0, 500, 0},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RawTrial)
		wantErr bool
	}{
		{name: "valid", mutate: func(*RawTrial) {}},
		{name: "missing subject", mutate: func(tr *RawTrial) { tr.SubjectID = "" }, wantErr: true},
		{name: "missing task", mutate: func(tr *RawTrial) { tr.TaskID = " " }, wantErr: true},
		{name: "zero sampling rate", mutate: func(tr *RawTrial) { tr.SamplingRateHz = 0 }, wantErr: true},
		{name: "nan sampling rate", mutate: func(tr *RawTrial) { tr.SamplingRateHz = math.NaN() }, wantErr: true},
		{name: "no channels", mutate: func(tr *RawTrial) { tr.Channels = nil }, wantErr: true},
		{
			name: "empty samples",
			mutate: func(tr *RawTrial) {
				tr.Channels = map[string][]float64{"vertical_grf_l_N": {}}
			},
			wantErr: true,
		},
		{
			name: "ragged by one is allowed",
			mutate: func(tr *RawTrial) {
				tr.Channels["knee_flexion_angle_l_rad"] = []float64{0, 0.1}
			},
		},
		{
			name: "ragged by two",
			mutate: func(tr *RawTrial) {
				tr.Channels["knee_flexion_angle_l_rad"] = []float64{0}
			},
			wantErr: true,
		},
		{
			name:    "time axis mismatch",
			mutate:  func(tr *RawTrial) { tr.Time = []float64{0, 0.01} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := validTrial()
			tt.mutate(tr)
			err := tr.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedTrial)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide("L")
	require.NoError(t, err)
	assert.Equal(t, Left, s)
	assert.Equal(t, "r", s.Opposite().Token())

	_, err = ParseSide("middle")
	assert.Error(t, err)
}

func TestTimeAtFallsBackToSamplingRate(t *testing.T) {
	tr := validTrial()
	assert.InDelta(t, 0.02, tr.TimeAt(2), 1e-12)

	tr.Time = []float64{10, 10.5, 11}
	assert.Equal(t, 10.5, tr.TimeAt(1))
}

func TestInferSamplingRate(t *testing.T) {
	times := []float64{0, 0.01, 0.02, 0.03, 0.05, 0.06}
	assert.InDelta(t, 100.0, InferSamplingRate(times), 1e-9)
	assert.Zero(t, InferSamplingRate([]float64{1}))
	assert.Zero(t, InferSamplingRate([]float64{1, 1, 1}))
}

func TestDecodeCSV(t *testing.T) {
	data := strings.Join([]string{
		"time_s,subject_id,task_id,vertical_grf_l_N,knee_flexion_angle_l_rad",
		"0.000,AB02,incline_walking,10,0.1",
		"0.010,AB02,incline_walking,600,",
		"0.020,AB02,incline_walking,20,0.3",
	}, "\n")

	tr, err := DecodeCSV(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "AB02", tr.SubjectID)
	assert.Equal(t, "incline_walking", tr.TaskID)
	assert.InDelta(t, 100.0, tr.SamplingRateHz, 1e-9)
	assert.Equal(t, 3, tr.Len())
	knee, ok := tr.Channel("knee_flexion_angle_l_rad")
	require.True(t, ok)
	assert.True(t, math.IsNaN(knee[1]))
	require.NoError(t, tr.Validate())
}

func TestDecodeCSVRejectsChangingSubject(t *testing.T) {
	data := "time_s,subject_id,x\n0,A,1\n0.01,B,2\n"
	_, err := DecodeCSV(strings.NewReader(data))
	assert.Error(t, err)
}

func TestDecodeCSVRequiresTime(t *testing.T) {
	_, err := DecodeCSV(strings.NewReader("vertical_grf_l_N\n1\n"))
	assert.Error(t, err)
}

func TestReadCSVFileTakesIdentityFromName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AB03__stair_ascent.csv")
	require.NoError(t, os.WriteFile(path, []byte("time_s,vertical_grf_r_N\n0,1\n0.005,2\n0.010,3\n"), 0o644))

	tr, err := ReadFile(path, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "AB03", tr.SubjectID)
	assert.Equal(t, "stair_ascent", tr.TaskID)
	assert.Equal(t, path, tr.Source)
	assert.InDelta(t, 200.0, tr.SamplingRateHz, 1e-9)

	tr, err = ReadFile(path, ReadOptions{TaskID: "override", SamplingRateHz: 250})
	require.NoError(t, err)
	assert.Equal(t, "override", tr.TaskID)
	assert.Equal(t, 250.0, tr.SamplingRateHz)
}

func TestReadFileRejectsUnknownExtension(t *testing.T) {
	_, err := ReadFile("trial.mat", ReadOptions{})
	assert.Error(t, err)
}

func TestDecodeFIT(t *testing.T) {
	data := buildTestFIT(t, 5)

	tr, err := DecodeFIT(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 5, tr.Len())
	assert.InDelta(t, 1.0, tr.SamplingRateHz, 1e-9)
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, tr.Time)

	power, ok := tr.Channel(FITPowerChannel)
	require.True(t, ok)
	assert.Equal(t, []float64{200, 210, 220, 230, 240}, power)

	hr, _ := tr.Channel(FITHeartRateChannel)
	assert.Equal(t, 135.0, hr[0])

	speed, _ := tr.Channel(FITSpeedChannel)
	assert.True(t, math.IsNaN(speed[0]), "unset speed should decode as NaN")

	// Only device channels come out of a FIT file, never force or joint signals.
	assert.ElementsMatch(t, []string{FITPowerChannel, FITCadenceChannel, FITSpeedChannel, FITHeartRateChannel}, tr.ChannelNames())
}

func TestReadFITFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AB04__treadmill_run.fit")
	require.NoError(t, os.WriteFile(path, buildTestFIT(t, 3), 0o644))

	tr, err := ReadFile(path, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "AB04", tr.SubjectID)
	assert.Equal(t, "treadmill_run", tr.TaskID)
	require.NoError(t, tr.Validate())
}

func buildTestFIT(t *testing.T, n int) []byte {
	t.Helper()

	header := fit.NewHeader(fit.V20, true)
	file, err := fit.NewFile(fit.FileTypeActivity, header)
	require.NoError(t, err)

	activity, err := file.Activity()
	require.NoError(t, err)

	start := time.Date(2026, 2, 26, 23, 0, 0, 0, time.UTC)
	event := fit.NewEventMsg()
	event.Timestamp = start
	event.Event = fit.EventTimer
	event.EventType = fit.EventTypeStart
	activity.Events = append(activity.Events, event)

	for i := 0; i < n; i++ {
		record := fit.NewRecordMsg()
		record.Timestamp = start.Add(time.Duration(i) * time.Second)
		record.HeartRate = 135
		record.Power = uint16(200 + 10*i)
		record.Cadence = 90
		activity.Records = append(activity.Records, record)
	}

	var buf bytes.Buffer
	require.NoError(t, fit.Encode(&buf, file, binary.LittleEndian))
	return buf.Bytes()
}
