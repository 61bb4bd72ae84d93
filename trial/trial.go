// Package trial holds the raw per-trial recordings consumed by the segmenter,
// plus the file sources (CSV exports, FIT activities) that produce them.
package trial

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrMalformedTrial marks a trial that cannot be processed at all.
var ErrMalformedTrial = errors.New("malformed trial")

// Side identifies a leg in absolute terms.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Sides lists both legs in processing order.
var Sides = []Side{Left, Right}

// Token is the channel-name token of the side ("l" or "r").
func (s Side) Token() string {
	switch s {
	case Left:
		return "l"
	case Right:
		return "r"
	default:
		return ""
	}
}

// Opposite returns the other leg.
func (s Side) Opposite() Side {
	if s == Left {
		return Right
	}
	return Left
}

// ParseSide accepts "left"/"right" and the short tokens "l"/"r".
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "left", "l":
		return Left, nil
	case "right", "r":
		return Right, nil
	default:
		return "", fmt.Errorf("unknown side %q (expected left|right)", v)
	}
}

// RawTrial is one continuous recording of one subject performing one task.
// Samples are stored column-wise: Channels[name][i] is sample i of that channel.
type RawTrial struct {
	SubjectID      string
	TaskID         string
	SamplingRateHz float64
	// Time is optional; when empty, sample i sits at i/SamplingRateHz seconds.
	Time     []float64
	Channels map[string][]float64
	Source   string
	Metadata map[string]string
}

// Len returns the number of samples, i.e. the length of the longest channel.
func (t *RawTrial) Len() int {
	n := 0
	for _, ch := range t.Channels {
		if len(ch) > n {
			n = len(ch)
		}
	}
	return n
}

// Channel returns the samples of one channel.
func (t *RawTrial) Channel(name string) ([]float64, bool) {
	ch, ok := t.Channels[name]
	return ch, ok
}

// ChannelNames returns channel names sorted for deterministic iteration.
func (t *RawTrial) ChannelNames() []string {
	names := make([]string, 0, len(t.Channels))
	for name := range t.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TimeAt returns the time in seconds of sample i.
func (t *RawTrial) TimeAt(i int) float64 {
	if i >= 0 && i < len(t.Time) {
		return t.Time[i]
	}
	return float64(i) / t.SamplingRateHz
}

// Label identifies the trial in logs and skip records.
func (t *RawTrial) Label() string {
	if t.Source != "" {
		return t.Source
	}
	return t.SubjectID + "/" + t.TaskID
}

// Validate checks the structural requirements every downstream stage relies on.
// Channels may be ragged by at most one sample.
func (t *RawTrial) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil trial", ErrMalformedTrial)
	}
	if strings.TrimSpace(t.SubjectID) == "" {
		return fmt.Errorf("%w: subject id is required", ErrMalformedTrial)
	}
	if strings.TrimSpace(t.TaskID) == "" {
		return fmt.Errorf("%w: task id is required", ErrMalformedTrial)
	}
	if !isFinite(t.SamplingRateHz) || t.SamplingRateHz <= 0 {
		return fmt.Errorf("%w: sampling rate must be positive, got %v", ErrMalformedTrial, t.SamplingRateHz)
	}
	if len(t.Channels) == 0 {
		return fmt.Errorf("%w: no channels", ErrMalformedTrial)
	}
	n := t.Len()
	if n == 0 {
		return fmt.Errorf("%w: empty sample sequence", ErrMalformedTrial)
	}
	for _, name := range t.ChannelNames() {
		if got := len(t.Channels[name]); got < n-1 {
			return fmt.Errorf("%w: channel %s has %d samples, trial has %d", ErrMalformedTrial, name, got, n)
		}
	}
	if len(t.Time) > 0 && len(t.Time) != n {
		return fmt.Errorf("%w: time axis has %d samples, trial has %d", ErrMalformedTrial, len(t.Time), n)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
