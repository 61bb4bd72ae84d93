// Package phase maps strides of arbitrary length onto a fixed percentage
// grid and holds the phase-indexed table model shared by the stores and the
// validators.
package phase

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"github.com/lucasjlepore/gaitphase/segment"
	"github.com/lucasjlepore/gaitphase/trial"
)

// DefaultPoints is the length of the phase grid.
const DefaultPoints = 150

var (
	// ErrInsufficientData is returned for strides too short to interpolate.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrRaggedChannel is returned when a channel is short by more than one sample.
	ErrRaggedChannel = errors.New("ragged channel")
)

// Options configures Resample.
type Options struct {
	// Points defaults to DefaultPoints.
	Points int
	// Derivatives adds velocity and acceleration channels for every angle.
	Derivatives bool
	// PassThrough keeps unrecognized channels as opaque values instead of rejecting them.
	PassThrough bool
	Logger      *slog.Logger
}

// StrideID identifies a stride within a dataset.
type StrideID struct {
	SubjectID   string `json:"subject_id"`
	TaskID      string `json:"task_id"`
	StrideIndex int    `json:"stride_index"`
}

func (id StrideID) String() string {
	return fmt.Sprintf("%s/%s/%d", id.SubjectID, id.TaskID, id.StrideIndex)
}

// PhaseNormalizedStride is one stride on the phase grid. Every entry of
// Values has len(Phase) samples. It is not modified after Resample returns.
type PhaseNormalizedStride struct {
	ID        StrideID
	Side      trial.Side
	DurationS float64
	Phase     []float64
	// Variables lists standardized variables in output order, followed by
	// any pass-through channels.
	Variables   []string
	Values      map[string][]float64
	PassThrough []string
	// Ignored holds raw channels rejected as unrecognized.
	Ignored []string
	// Missing holds requested channels absent from the trial.
	Missing []string
}

// Identity returns the stride key.
func (s *PhaseNormalizedStride) Identity() StrideID { return s.ID }

// HasVariable reports whether the stride carries a value sequence for name.
func (s *PhaseNormalizedStride) HasVariable(name string) bool {
	_, ok := s.Values[name]
	return ok
}

// ValueAt returns the value of name at phase index idx.
func (s *PhaseNormalizedStride) ValueAt(name string, idx int) (float64, bool) {
	vals, ok := s.Values[name]
	if !ok || idx < 0 || idx >= len(vals) {
		return math.NaN(), false
	}
	return vals[idx], true
}

// Grid returns n evenly spaced phase percentages with exact 0 and 100 endpoints.
func Grid(n int) []float64 {
	g := make([]float64, n)
	if n == 1 {
		return g
	}
	floats.Span(g, 0, 100)
	return g
}

// Resample interpolates the named raw channels of stride onto the phase grid.
// An empty variables list resamples every channel of the trial. Derivatives
// are computed on the resampled grid with dt = duration/(n-1).
func Resample(stride segment.Stride, variables []string, opts Options) (*PhaseNormalizedStride, error) {
	t := stride.Trial
	if t == nil {
		return nil, fmt.Errorf("stride has no source trial")
	}
	n := opts.Points
	if n <= 0 {
		n = DefaultPoints
	}
	if n < 2 {
		return nil, fmt.Errorf("phase grid needs at least 2 points, got %d", n)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := stride.Len()
	if m < 2 {
		return nil, fmt.Errorf("%w: stride %d of %s has %d sample(s)", ErrInsufficientData, stride.Index, t.Label(), m)
	}
	if stride.Start < 0 || stride.End > t.Len() {
		return nil, fmt.Errorf("stride [%d,%d) outside trial %s of %d samples", stride.Start, stride.End, t.Label(), t.Len())
	}
	if len(variables) == 0 {
		variables = t.ChannelNames()
	}

	out := &PhaseNormalizedStride{
		ID:        StrideID{SubjectID: t.SubjectID, TaskID: t.TaskID, StrideIndex: stride.Index},
		Side:      stride.Side,
		DurationS: stride.Duration(),
		Phase:     Grid(n),
		Values:    make(map[string][]float64, len(variables)),
	}
	source := make([]float64, m)
	floats.Span(source, 0, 100)

	type pending struct {
		name   string
		values []float64
	}
	var opaque []pending
	for _, raw := range variables {
		ch, ok := t.Channel(raw)
		if !ok {
			out.Missing = append(out.Missing, raw)
			continue
		}
		v, perr := ParseVariable(raw)
		if perr != nil && !opts.PassThrough {
			out.Ignored = append(out.Ignored, raw)
			logger.Debug("ignoring unrecognized channel", "trial", t.Label(), "channel", raw)
			continue
		}
		if perr == nil && opts.Derivatives && (v.Kind == KindVelocity || v.Kind == KindAcceleration) {
			// Derivative channels are recomputed from the resampled angle.
			out.Ignored = append(out.Ignored, raw)
			continue
		}

		values, err := interpolateChannel(ch, stride.Start, stride.End, source, out.Phase)
		if err != nil {
			return nil, fmt.Errorf("resample %s in stride %d of %s: %w", raw, stride.Index, t.Label(), err)
		}
		if perr != nil {
			opaque = append(opaque, pending{name: raw, values: values})
			continue
		}

		std := v.Relative(stride.Side)
		name := std.String()
		if _, dup := out.Values[name]; dup {
			return nil, fmt.Errorf("channels map to duplicate variable %s in %s", name, t.Label())
		}
		out.Values[name] = values
		out.Variables = append(out.Variables, name)

		if opts.Derivatives && std.Kind == KindAngle {
			dt := out.DurationS / float64(n-1)
			vel := gradient(values, dt)
			acc := gradient(vel, dt)
			velVar, _ := std.Derived(KindVelocity)
			accVar, _ := std.Derived(KindAcceleration)
			out.Values[velVar.String()] = vel
			out.Values[accVar.String()] = acc
			out.Variables = append(out.Variables, velVar.String(), accVar.String())
		}
	}
	for _, p := range opaque {
		if _, dup := out.Values[p.name]; dup {
			continue
		}
		out.Values[p.name] = p.values
		out.PassThrough = append(out.PassThrough, p.name)
		out.Variables = append(out.Variables, p.name)
	}
	return out, nil
}

// interpolateChannel resamples ch[start:end] from the source phase axis onto
// target. A channel ending one sample early is extrapolated linearly from its
// last two samples.
func interpolateChannel(ch []float64, start, end int, source, target []float64) ([]float64, error) {
	m := end - start
	stop := end
	if len(ch) < stop {
		stop = len(ch)
	}
	avail := stop - start
	switch {
	case avail == m:
	case avail == m-1 && avail >= 1:
	default:
		return nil, fmt.Errorf("%w: %d of %d samples", ErrRaggedChannel, max(avail, 0), m)
	}

	xs := source[:avail]
	ys := ch[start:stop]
	out := make([]float64, len(target))
	if avail == 1 {
		for i := range out {
			out[i] = ys[0]
		}
		return out, nil
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("fit interpolant: %w", err)
	}
	last := avail - 1
	xLast := xs[last]
	slope := (ys[last] - ys[last-1]) / (xs[last] - xs[last-1])
	for i, x := range target {
		if x > xLast {
			out[i] = ys[last] + (x-xLast)*slope
			continue
		}
		out[i] = pl.Predict(x)
	}
	return out, nil
}

// gradient returns second-order central differences in the interior and
// first-order one-sided differences at the ends.
func gradient(y []float64, dt float64) []float64 {
	n := len(y)
	out := make([]float64, n)
	if n < 2 || dt <= 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	out[0] = (y[1] - y[0]) / dt
	out[n-1] = (y[n-1] - y[n-2]) / dt
	for i := 1; i < n-1; i++ {
		out[i] = (y[i+1] - y[i-1]) / (2 * dt)
	}
	return out
}
