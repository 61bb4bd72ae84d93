// Package validate checks phase-normalized strides against an expectation
// store and aggregates the verdicts over a dataset.
package validate

import (
	"fmt"
	"math"

	"github.com/lucasjlepore/gaitphase/expect"
	"github.com/lucasjlepore/gaitphase/phase"
)

// DefaultGlobalFailureFraction is the share of failing checks above which a
// stride's failures are classified as global.
const DefaultGlobalFailureFraction = 0.5

// Category classifies the failures of one stride.
type Category string

const (
	// CategoryLocal marks isolated out-of-range points on an otherwise plausible stride.
	CategoryLocal Category = "local"
	// CategoryGlobal marks a stride whose shape does not match the task.
	CategoryGlobal Category = "global"
)

// StrideValues is the read access the validator needs. Both full strides
// and sparse representative-phase reconstructions satisfy it.
type StrideValues interface {
	Identity() phase.StrideID
	HasVariable(name string) bool
	ValueAt(name string, phaseIndex int) (float64, bool)
}

// Failure is one violated expectation.
type Failure struct {
	SubjectID   string   `json:"subject_id"`
	TaskID      string   `json:"task_id"`
	StrideIndex int      `json:"stride_index"`
	Variable    string   `json:"variable"`
	PhaseIndex  int      `json:"phase_index"`
	PhasePct    float64  `json:"phase_pct"`
	Observed    float64  `json:"observed"`
	Min         float64  `json:"min"`
	Max         float64  `json:"max"`
	Category    Category `json:"category"`
}

// StrideVerdict is the outcome of validating one stride.
type StrideVerdict struct {
	ID       phase.StrideID
	Valid    bool
	Checked  int
	Failures []Failure
	// Category is empty for valid strides.
	Category Category
	// Unchecked lists store variables the stride does not carry.
	Unchecked []string
}

// FailureFraction is the share of checked points that failed.
func (v StrideVerdict) FailureFraction() float64 {
	if v.Checked == 0 {
		return 0
	}
	return float64(len(v.Failures)) / float64(v.Checked)
}

// Config tunes classification.
type Config struct {
	// GlobalFailureFraction: strides with failures/checked strictly above
	// this value are global, otherwise local.
	GlobalFailureFraction float64 `yaml:"global_failure_fraction" json:"global_failure_fraction"`
}

// DefaultConfig returns the default classification settings.
func DefaultConfig() Config {
	return Config{GlobalFailureFraction: DefaultGlobalFailureFraction}
}

// Validator checks strides against a store.
type Validator struct {
	store *expect.Store
	cfg   Config
}

// NewValidator binds a store and classification settings.
func NewValidator(store *expect.Store, cfg Config) (*Validator, error) {
	if store == nil {
		return nil, fmt.Errorf("expectation store is required")
	}
	if math.IsNaN(cfg.GlobalFailureFraction) || cfg.GlobalFailureFraction <= 0 || cfg.GlobalFailureFraction > 1 {
		return nil, fmt.Errorf("global failure fraction must be in (0,1], got %v", cfg.GlobalFailureFraction)
	}
	return &Validator{store: store, cfg: cfg}, nil
}

// Store returns the expectation store the validator reads.
func (v *Validator) Store() *expect.Store { return v.store }

// Validate checks every store variable present in the stride at every
// representative phase. Variables are visited in store declaration order and
// phases in ascending order, so the failure list is deterministic. Bounds are
// inclusive; non-finite values fail. A task without expectations is an error.
func (v *Validator) Validate(s StrideValues) (StrideVerdict, error) {
	id := s.Identity()
	verdict := StrideVerdict{ID: id}
	if !v.store.HasTask(id.TaskID) {
		return verdict, fmt.Errorf("%w: task %s has no expectations", expect.ErrRangeNotDefined, id.TaskID)
	}

	phases := v.store.RepresentativePhases()
	for _, name := range v.store.Variables(id.TaskID) {
		if !s.HasVariable(name) {
			verdict.Unchecked = append(verdict.Unchecked, name)
			continue
		}
		for _, idx := range phases {
			r, err := v.store.Lookup(id.TaskID, name, idx)
			if err != nil {
				return StrideVerdict{ID: id}, fmt.Errorf("validate stride %s: %w", id, err)
			}
			verdict.Checked++
			observed, ok := s.ValueAt(name, idx)
			if ok && r.Contains(observed) {
				continue
			}
			if !ok {
				observed = math.NaN()
			}
			verdict.Failures = append(verdict.Failures, Failure{
				SubjectID:   id.SubjectID,
				TaskID:      id.TaskID,
				StrideIndex: id.StrideIndex,
				Variable:    name,
				PhaseIndex:  idx,
				PhasePct:    r.Phase,
				Observed:    observed,
				Min:         r.Min,
				Max:         r.Max,
			})
		}
	}

	verdict.Valid = len(verdict.Failures) == 0
	if verdict.Valid {
		return verdict, nil
	}
	verdict.Category = CategoryLocal
	if verdict.FailureFraction() > v.cfg.GlobalFailureFraction {
		verdict.Category = CategoryGlobal
	}
	for i := range verdict.Failures {
		verdict.Failures[i].Category = verdict.Category
	}
	return verdict, nil
}
