package expect

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk expectation format. JSON documents parse as YAML.
type Document struct {
	RepresentativePhases []float64    `yaml:"representative_phases,omitempty"`
	Tasks                []TaskRanges `yaml:"tasks"`
}

// TaskRanges groups the variable ranges of one task.
type TaskRanges struct {
	Task      string           `yaml:"task"`
	Variables []VariableRanges `yaml:"variables"`
}

// VariableRanges lists the per-phase ranges of one variable.
type VariableRanges struct {
	Name   string       `yaml:"name"`
	Ranges []PhaseRange `yaml:"ranges"`
}

// PhaseRange is one [Min, Max] entry at a phase percentage.
type PhaseRange struct {
	Phase *float64 `yaml:"phase"`
	Min   *float64 `yaml:"min"`
	Max   *float64 `yaml:"max"`
}

// LoadFile reads an expectation document from path.
func LoadFile(path string, points int, defaultPct []float64) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read expectations: %w", err)
	}
	s, err := Load(bytes.NewReader(data), points, defaultPct)
	if err != nil {
		return nil, fmt.Errorf("load expectations %s: %w", path, err)
	}
	return s, nil
}

// Load parses an expectation document. The document's representative_phases
// override defaultPct when present.
func Load(r io.Reader, points int, defaultPct []float64) (*Store, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidSpec)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return FromDocument(doc, points, defaultPct)
}

// FromDocument builds a store from a decoded document.
func FromDocument(doc Document, points int, defaultPct []float64) (*Store, error) {
	pcts := defaultPct
	if len(doc.RepresentativePhases) > 0 {
		pcts = doc.RepresentativePhases
	}
	if len(pcts) == 0 {
		pcts = DefaultRepresentativePhases
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidSpec)
	}

	var ranges []Range
	for ti, task := range doc.Tasks {
		if task.Task == "" {
			return nil, fmt.Errorf("%w: tasks[%d] has no task name", ErrInvalidSpec, ti)
		}
		if len(task.Variables) == 0 {
			return nil, fmt.Errorf("%w: task %s declares no variables", ErrInvalidSpec, task.Task)
		}
		for _, v := range task.Variables {
			if len(v.Ranges) == 0 {
				return nil, fmt.Errorf("%w: %s/%s declares no ranges", ErrInvalidSpec, task.Task, v.Name)
			}
			for ri, pr := range v.Ranges {
				if pr.Phase == nil || pr.Min == nil || pr.Max == nil {
					return nil, fmt.Errorf("%w: %s/%s ranges[%d] needs phase, min and max", ErrInvalidSpec, task.Task, v.Name, ri)
				}
				ranges = append(ranges, Range{
					Task:     task.Task,
					Variable: v.Name,
					Phase:    *pr.Phase,
					Min:      *pr.Min,
					Max:      *pr.Max,
				})
			}
		}
	}
	return New(points, pcts, ranges)
}
