// Package segment detects gait-cycle boundaries (heel strikes) in a trial's
// reference signal and cuts the trial into strides.
package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/lucasjlepore/gaitphase/trial"
)

// DefaultMinStrideDuration drops double detections caused by signal noise.
const DefaultMinStrideDuration = 0.2

// ErrSignalNotFound is returned when the requested event signal is absent from the trial.
var ErrSignalNotFound = errors.New("event signal not found")

// ThresholdMode selects how the crossing threshold is derived.
type ThresholdMode string

const (
	// ThresholdFixed uses Value as the threshold in signal units.
	ThresholdFixed ThresholdMode = "fixed"
	// ThresholdPeakFraction uses Value times the signal peak.
	ThresholdPeakFraction ThresholdMode = "peak_fraction"
)

// Direction of the crossing that marks an event.
type Direction string

const (
	Rising  Direction = "rising"
	Falling Direction = "falling"
)

// ThresholdPolicy describes the crossing rule.
type ThresholdPolicy struct {
	Mode      ThresholdMode `yaml:"mode" json:"mode"`
	Value     float64       `yaml:"value" json:"value"`
	Direction Direction     `yaml:"direction" json:"direction"`
}

// Validate checks the policy for internal consistency.
func (p ThresholdPolicy) Validate() error {
	switch p.Mode {
	case ThresholdFixed:
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return fmt.Errorf("fixed threshold must be finite")
		}
	case ThresholdPeakFraction:
		if !(p.Value > 0 && p.Value <= 1) {
			return fmt.Errorf("peak fraction must be in (0, 1], got %v", p.Value)
		}
	default:
		return fmt.Errorf("unknown threshold mode %q (expected fixed|peak_fraction)", p.Mode)
	}
	switch p.Direction {
	case Rising, Falling, "":
	default:
		return fmt.Errorf("unknown crossing direction %q (expected rising|falling)", p.Direction)
	}
	return nil
}

// Options configures stride detection.
type Options struct {
	Policy ThresholdPolicy
	// MinStrideDuration in seconds; strides shorter than this are dropped.
	MinStrideDuration float64
	// MaxStrideDuration in seconds; 0 disables the upper bound.
	MaxStrideDuration float64
	Logger            *slog.Logger
}

// Stride is a half-open sample range [Start, End) of one gait cycle.
type Stride struct {
	Start int
	End   int
	Side  trial.Side
	// Index is assigned by the caller; it is monotonic per subject and task.
	Index int
	Trial *trial.RawTrial
}

// Len is the number of raw samples in the stride.
func (s Stride) Len() int { return s.End - s.Start }

// Duration is the stride length in seconds.
func (s Stride) Duration() float64 {
	if s.Trial == nil || s.Trial.SamplingRateHz <= 0 {
		return 0
	}
	return float64(s.Len()) / s.Trial.SamplingRateHz
}

// DroppedStride records a candidate stride rejected by the duration filter.
type DroppedStride struct {
	Start     int     `json:"start"`
	End       int     `json:"end"`
	DurationS float64 `json:"duration_s"`
	Reason    string  `json:"reason"`
}

// Result is the output of DetectStrides.
type Result struct {
	Side      trial.Side
	Signal    string
	Threshold float64
	Crossings []int
	Strides   []Stride
	Dropped   []DroppedStride
	Warnings  []string
}

// DetectStrides scans signal for threshold crossings and returns the strides
// between consecutive crossings. Fewer than two crossings is not an error:
// the result is empty and carries a warning.
func DetectStrides(t *trial.RawTrial, side trial.Side, signal string, opts Options) (*Result, error) {
	if t == nil {
		return nil, fmt.Errorf("trial is required")
	}
	if t.SamplingRateHz <= 0 {
		return nil, fmt.Errorf("%w: sampling rate must be positive", trial.ErrMalformedTrial)
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("threshold policy: %w", err)
	}
	values, ok := t.Channel(signal)
	if !ok {
		return nil, fmt.Errorf("%w: %s in trial %s", ErrSignalNotFound, signal, t.Label())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	direction := opts.Policy.Direction
	if direction == "" {
		direction = Rising
	}
	minDur := opts.MinStrideDuration
	if minDur <= 0 {
		minDur = DefaultMinStrideDuration
	}

	res := &Result{Side: side, Signal: signal}
	threshold, ok := resolveThreshold(values, opts.Policy, direction)
	if !ok {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: signal %s has no finite samples", t.Label(), signal))
		logger.Warn("no finite samples in event signal", "trial", t.Label(), "side", side, "signal", signal)
		return res, nil
	}
	res.Threshold = threshold
	res.Crossings = crossings(values, threshold, direction)

	if len(res.Crossings) < 2 {
		msg := fmt.Sprintf("%s: %d threshold crossing(s) on %s for %s side, no strides", t.Label(), len(res.Crossings), signal, side)
		res.Warnings = append(res.Warnings, msg)
		logger.Warn("too few threshold crossings",
			"trial", t.Label(),
			"side", side,
			"signal", signal,
			"crossings", len(res.Crossings))
		return res, nil
	}

	for k := 0; k+1 < len(res.Crossings); k++ {
		st := Stride{Start: res.Crossings[k], End: res.Crossings[k+1], Side: side, Trial: t}
		dur := st.Duration()
		reason := ""
		switch {
		case dur < minDur:
			reason = fmt.Sprintf("duration %.3fs below minimum %.3fs", dur, minDur)
		case opts.MaxStrideDuration > 0 && dur > opts.MaxStrideDuration:
			reason = fmt.Sprintf("duration %.3fs above maximum %.3fs", dur, opts.MaxStrideDuration)
		}
		if reason != "" {
			res.Dropped = append(res.Dropped, DroppedStride{Start: st.Start, End: st.End, DurationS: dur, Reason: reason})
			logger.Debug("dropped stride candidate",
				"trial", t.Label(),
				"side", side,
				"start", st.Start,
				"end", st.End,
				"reason", reason)
			continue
		}
		res.Strides = append(res.Strides, st)
	}
	if len(res.Dropped) > 0 {
		logger.Info("stride candidates dropped by duration filter",
			"trial", t.Label(),
			"side", side,
			"dropped", len(res.Dropped),
			"kept", len(res.Strides))
	}
	return res, nil
}

// resolveThreshold returns the crossing threshold in signal units.
func resolveThreshold(values []float64, p ThresholdPolicy, dir Direction) (float64, bool) {
	lo, hi, ok := finiteRange(values)
	if !ok {
		return 0, false
	}
	if p.Mode == ThresholdFixed {
		return p.Value, true
	}
	if dir == Falling {
		return p.Value * lo, true
	}
	return p.Value * hi, true
}

// crossings returns the indices i where the signal reaches the threshold
// coming from the other side. NaN samples never produce a crossing.
func crossings(values []float64, threshold float64, dir Direction) []int {
	out := make([]int, 0, 16)
	for i := 1; i < len(values); i++ {
		prev, cur := values[i-1], values[i]
		switch dir {
		case Falling:
			if prev > threshold && cur <= threshold {
				out = append(out, i)
			}
		default:
			if prev < threshold && cur >= threshold {
				out = append(out, i)
			}
		}
	}
	return out
}

func finiteRange(values []float64) (lo, hi float64, ok bool) {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if !ok {
			lo, hi, ok = v, v, true
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, ok
}

// SignalFor returns the conventional event signal name for a side, e.g.
// "vertical_grf_l_N" for a "vertical_grf_{side}_N" template.
func SignalFor(template string, side trial.Side) string {
	return strings.ReplaceAll(template, "{side}", side.Token())
}
