// Package expect holds the per-task, per-variable admissible ranges at the
// representative phases. A Store is built once and is read-only afterwards,
// so it is safe for concurrent use.
package expect

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lucasjlepore/gaitphase/phase"
)

// DefaultRepresentativePhases are the phase percentages checked by default.
var DefaultRepresentativePhases = []float64{0, 25, 50, 75}

var (
	// ErrRangeNotDefined is returned by Lookup for keys outside the store.
	ErrRangeNotDefined = errors.New("range not defined")
	// ErrInvalidSpec marks an expectation document that cannot be loaded.
	ErrInvalidSpec = errors.New("invalid expectation spec")
)

// Range is the admissible [Min, Max] of one variable at one representative phase.
type Range struct {
	Task     string
	Variable string
	// Phase is the phase percentage the range was declared at.
	Phase float64
	// PhaseIndex is set by New from Phase.
	PhaseIndex int
	Min        float64
	Max        float64
}

// Contains reports whether v lies in the closed interval [Min, Max].
// NaN is never contained.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

type key struct {
	task     string
	variable string
	phase    int
}

// Store answers range lookups by (task, variable, phase index).
type Store struct {
	points int
	phases []int
	pcts   map[int]float64
	ranges map[key]Range
	tasks  []string
	vars   map[string][]string
}

// New validates ranges and builds a store. Every declared (task, variable)
// must define a range at every representative phase.
func New(points int, representativePct []float64, ranges []Range) (*Store, error) {
	if points < 2 {
		return nil, fmt.Errorf("%w: phase grid needs at least 2 points, got %d", ErrInvalidSpec, points)
	}
	if len(representativePct) == 0 {
		return nil, fmt.Errorf("%w: no representative phases", ErrInvalidSpec)
	}
	s := &Store{
		points: points,
		pcts:   make(map[int]float64, len(representativePct)),
		ranges: make(map[key]Range, len(ranges)),
		vars:   map[string][]string{},
	}
	for _, pct := range representativePct {
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return nil, fmt.Errorf("%w: representative phase %v outside [0,100]", ErrInvalidSpec, pct)
		}
		idx := phase.PhaseIndex(pct, points)
		if prev, dup := s.pcts[idx]; dup {
			return nil, fmt.Errorf("%w: representative phases %v%% and %v%% both map to index %d", ErrInvalidSpec, prev, pct, idx)
		}
		s.pcts[idx] = pct
		s.phases = append(s.phases, idx)
	}
	sort.Ints(s.phases)

	for _, r := range ranges {
		if err := s.add(r); err != nil {
			return nil, err
		}
	}

	for _, task := range s.tasks {
		for _, variable := range s.vars[task] {
			for _, idx := range s.phases {
				if _, ok := s.ranges[key{task, variable, idx}]; !ok {
					return nil, fmt.Errorf("%w: %s/%s has no range at representative phase %v%%", ErrInvalidSpec, task, variable, s.pcts[idx])
				}
			}
		}
	}
	return s, nil
}

func (s *Store) add(r Range) error {
	r.Task = strings.TrimSpace(r.Task)
	if r.Task == "" {
		return fmt.Errorf("%w: range without task", ErrInvalidSpec)
	}
	if _, err := phase.ParseStandardized(r.Variable); err != nil {
		return fmt.Errorf("%w: task %s: %v", ErrInvalidSpec, r.Task, err)
	}
	if math.IsNaN(r.Min) || math.IsInf(r.Min, 0) || math.IsNaN(r.Max) || math.IsInf(r.Max, 0) {
		return fmt.Errorf("%w: %s/%s at %v%% has non-finite bounds", ErrInvalidSpec, r.Task, r.Variable, r.Phase)
	}
	if r.Min > r.Max {
		return fmt.Errorf("%w: %s/%s at %v%% has min %v > max %v", ErrInvalidSpec, r.Task, r.Variable, r.Phase, r.Min, r.Max)
	}
	idx := phase.PhaseIndex(r.Phase, s.points)
	if pct, ok := s.pcts[idx]; !ok || pct != r.Phase {
		return fmt.Errorf("%w: %s/%s declares phase %v%%, which is not representative", ErrInvalidSpec, r.Task, r.Variable, r.Phase)
	}
	r.PhaseIndex = idx

	k := key{r.Task, r.Variable, idx}
	if _, dup := s.ranges[k]; dup {
		return fmt.Errorf("%w: duplicate range for %s/%s at %v%%", ErrInvalidSpec, r.Task, r.Variable, r.Phase)
	}
	s.ranges[k] = r

	if _, ok := s.vars[r.Task]; !ok {
		s.tasks = append(s.tasks, r.Task)
		s.vars[r.Task] = nil
	}
	for _, v := range s.vars[r.Task] {
		if v == r.Variable {
			return nil
		}
	}
	s.vars[r.Task] = append(s.vars[r.Task], r.Variable)
	return nil
}

// Lookup returns the range for (task, variable, phaseIndex). Any phase index
// outside the representative set fails with ErrRangeNotDefined.
func (s *Store) Lookup(task, variable string, phaseIndex int) (Range, error) {
	if _, ok := s.pcts[phaseIndex]; !ok {
		return Range{}, fmt.Errorf("%w: phase index %d is not representative", ErrRangeNotDefined, phaseIndex)
	}
	r, ok := s.ranges[key{task, variable, phaseIndex}]
	if !ok {
		return Range{}, fmt.Errorf("%w: %s/%s at phase index %d", ErrRangeNotDefined, task, variable, phaseIndex)
	}
	return r, nil
}

// RepresentativePhases returns the representative phase indices in ascending order.
func (s *Store) RepresentativePhases() []int {
	return append([]int(nil), s.phases...)
}

// PhasePct returns the configured percentage of a representative phase index.
func (s *Store) PhasePct(idx int) (float64, bool) {
	pct, ok := s.pcts[idx]
	return pct, ok
}

// IsRepresentative reports whether idx is one of the representative phases.
func (s *Store) IsRepresentative(idx int) bool {
	_, ok := s.pcts[idx]
	return ok
}

// Points is the phase grid length the store was built for.
func (s *Store) Points() int { return s.points }

// Tasks returns tasks in declaration order.
func (s *Store) Tasks() []string {
	return append([]string(nil), s.tasks...)
}

// HasTask reports whether any range is declared for task.
func (s *Store) HasTask(task string) bool {
	_, ok := s.vars[task]
	return ok
}

// Variables returns the variables declared for task in declaration order.
func (s *Store) Variables(task string) []string {
	return append([]string(nil), s.vars[task]...)
}

// Len is the number of ranges.
func (s *Store) Len() int { return len(s.ranges) }
