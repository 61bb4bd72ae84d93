package trial

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/tormoder/fit"
)

// Channels produced from FIT record messages. They are device signals, not
// standardized gait variables, so downstream stages treat them as opaque.
const (
	FITPowerChannel     = "power_w"
	FITCadenceChannel   = "cadence_rpm"
	FITSpeedChannel     = "speed_mps"
	FITHeartRateChannel = "heart_rate_bpm"
)

// ReadFITFile decodes an activity FIT file into a trial.
//
// A FIT trial carries only the power, cadence, speed and heart rate channels
// above. None of them is a ground reaction force or a standardized gait
// variable, so segmenting one needs an explicit event signal (for example
// --signal power_w), resampling needs pass-through enabled, and the strides
// never match expectation ranges, so validation skips them as nothing checked.
func ReadFITFile(path string, opts ReadOptions) (*RawTrial, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open FIT file: %w", err)
	}
	defer f.Close()

	t, err := DecodeFIT(f)
	if err != nil {
		return nil, fmt.Errorf("decode FIT trial %s: %w", path, err)
	}
	t.Source = path
	applyIdentity(t, path, opts)
	return t, nil
}

// DecodeFIT reads record messages from an activity FIT stream. Records are
// ordered by timestamp; invalid sentinel values become NaN.
func DecodeFIT(r io.Reader) (*RawTrial, error) {
	decoded, err := fit.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode FIT: %w", err)
	}
	activity, err := decoded.Activity()
	if err != nil {
		return nil, fmt.Errorf("activity FIT expected: %w", err)
	}

	records := make([]*fit.RecordMsg, 0, len(activity.Records))
	for _, rec := range activity.Records {
		if rec == nil || validTimeOrZero(rec.Timestamp).IsZero() {
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("activity has no timestamped records")
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	t := &RawTrial{
		Channels: map[string][]float64{
			FITPowerChannel:     make([]float64, 0, len(records)),
			FITCadenceChannel:   make([]float64, 0, len(records)),
			FITSpeedChannel:     make([]float64, 0, len(records)),
			FITHeartRateChannel: make([]float64, 0, len(records)),
		},
		Time:     make([]float64, 0, len(records)),
		Metadata: map[string]string{},
	}
	start := records[0].Timestamp
	t.Metadata["start_time_utc"] = start.UTC().Format(time.RFC3339)
	if len(activity.Sessions) > 0 && activity.Sessions[0] != nil {
		t.Metadata["sport"] = fmt.Sprint(activity.Sessions[0].Sport)
	}

	for _, rec := range records {
		t.Time = append(t.Time, rec.Timestamp.Sub(start).Seconds())
		t.Channels[FITPowerChannel] = append(t.Channels[FITPowerChannel], orNaN(extractPower(rec)))
		t.Channels[FITCadenceChannel] = append(t.Channels[FITCadenceChannel], orNaN(extractCadence(rec)))
		t.Channels[FITSpeedChannel] = append(t.Channels[FITSpeedChannel], orNaN(extractSpeed(rec)))
		t.Channels[FITHeartRateChannel] = append(t.Channels[FITHeartRateChannel], orNaN(extractHeartRate(rec)))
	}
	t.SamplingRateHz = InferSamplingRate(t.Time)
	return t, nil
}

func extractPower(rec *fit.RecordMsg) (float64, bool) {
	if rec.Power == math.MaxUint16 {
		return 0, false
	}
	return float64(rec.Power), true
}

func extractHeartRate(rec *fit.RecordMsg) (float64, bool) {
	if rec.HeartRate == math.MaxUint8 {
		return 0, false
	}
	return float64(rec.HeartRate), true
}

func extractCadence(rec *fit.RecordMsg) (float64, bool) {
	cad256 := rec.GetCadence256Scaled()
	if isFinite(cad256) && cad256 > 0 {
		return cad256, true
	}
	if rec.Cadence == math.MaxUint8 {
		return 0, false
	}
	return float64(rec.Cadence), true
}

func extractSpeed(rec *fit.RecordMsg) (float64, bool) {
	speed := rec.GetEnhancedSpeedScaled()
	if isFinite(speed) && speed >= 0 {
		return speed, true
	}
	speed = rec.GetSpeedScaled()
	if isFinite(speed) && speed >= 0 {
		return speed, true
	}
	return 0, false
}

func validTimeOrZero(t time.Time) time.Time {
	if t.IsZero() || fit.IsBaseTime(t) {
		return time.Time{}
	}
	return t
}

func orNaN(v float64, ok bool) float64 {
	if !ok {
		return math.NaN()
	}
	return v
}
