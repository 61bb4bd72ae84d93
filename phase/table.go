package phase

import (
	"fmt"
	"math"
	"sort"

	"github.com/lucasjlepore/gaitphase/trial"
)

// Row is one phase point of one stride. Values is aligned with Table.Variables;
// NaN marks a variable the stride does not carry.
type Row struct {
	SubjectID   string
	TaskID      string
	StrideIndex int
	Side        trial.Side
	PhaseIndex  int
	Phase       float64
	Values      []float64
}

// ID returns the stride key of the row.
func (r Row) ID() StrideID {
	return StrideID{SubjectID: r.SubjectID, TaskID: r.TaskID, StrideIndex: r.StrideIndex}
}

// Table is the phase-indexed stride table: one row per (stride, phase point),
// one column per variable.
type Table struct {
	Points    int
	Variables []string
	Rows      []Row
}

// TableFromStrides flattens resampled strides into a table. Variables are the
// union of stride variables in first-seen order.
func TableFromStrides(strides []*PhaseNormalizedStride) (*Table, error) {
	t := &Table{}
	col := map[string]int{}
	for _, s := range strides {
		if s == nil {
			continue
		}
		if t.Points == 0 {
			t.Points = len(s.Phase)
		}
		if len(s.Phase) != t.Points {
			return nil, fmt.Errorf("stride %s has %d phase points, table has %d", s.ID, len(s.Phase), t.Points)
		}
		for _, name := range s.Variables {
			if _, ok := col[name]; !ok {
				col[name] = len(t.Variables)
				t.Variables = append(t.Variables, name)
			}
		}
	}

	for _, s := range strides {
		if s == nil {
			continue
		}
		for i := 0; i < t.Points; i++ {
			row := Row{
				SubjectID:   s.ID.SubjectID,
				TaskID:      s.ID.TaskID,
				StrideIndex: s.ID.StrideIndex,
				Side:        s.Side,
				PhaseIndex:  i,
				Phase:       s.Phase[i],
				Values:      nanSlice(len(t.Variables)),
			}
			for _, name := range s.Variables {
				vals := s.Values[name]
				if len(vals) != t.Points {
					return nil, fmt.Errorf("stride %s variable %s has %d values, want %d", s.ID, name, len(vals), t.Points)
				}
				row.Values[col[name]] = vals[i]
			}
			t.Rows = append(t.Rows, row)
		}
	}
	return t, nil
}

// Column returns the index of a variable, or -1.
func (t *Table) Column(name string) int {
	for i, v := range t.Variables {
		if v == name {
			return i
		}
	}
	return -1
}

// Strides rebuilds full strides from the table rows. Strides come back
// ordered by subject, task and stride index. Variables that are NaN at every
// phase point of a stride are treated as absent.
func (t *Table) Strides() ([]*PhaseNormalizedStride, error) {
	if t.Points <= 0 {
		return nil, nil
	}
	grid := Grid(t.Points)
	byID := map[StrideID]*PhaseNormalizedStride{}
	seen := map[StrideID][]bool{}
	var ids []StrideID
	for _, r := range t.Rows {
		if r.PhaseIndex < 0 || r.PhaseIndex >= t.Points {
			return nil, fmt.Errorf("row of stride %s has phase index %d outside [0,%d)", r.ID(), r.PhaseIndex, t.Points)
		}
		if len(r.Values) != len(t.Variables) {
			return nil, fmt.Errorf("row of stride %s has %d values for %d variables", r.ID(), len(r.Values), len(t.Variables))
		}
		id := r.ID()
		s, ok := byID[id]
		if !ok {
			s = &PhaseNormalizedStride{ID: id, Side: r.Side, Phase: grid, Values: map[string][]float64{}}
			for _, name := range t.Variables {
				s.Values[name] = nanSlice(t.Points)
			}
			byID[id] = s
			seen[id] = make([]bool, t.Points)
			ids = append(ids, id)
		}
		if seen[id][r.PhaseIndex] {
			return nil, fmt.Errorf("stride %s has duplicate phase index %d", id, r.PhaseIndex)
		}
		seen[id][r.PhaseIndex] = true
		for c, name := range t.Variables {
			s.Values[name][r.PhaseIndex] = r.Values[c]
		}
	}

	sort.Slice(ids, func(i, j int) bool { return LessID(ids[i], ids[j]) })
	out := make([]*PhaseNormalizedStride, 0, len(ids))
	for _, id := range ids {
		s := byID[id]
		for i, ok := range seen[id] {
			if !ok {
				return nil, fmt.Errorf("stride %s is missing phase index %d", id, i)
			}
		}
		for _, name := range t.Variables {
			if allNaN(s.Values[name]) {
				delete(s.Values, name)
				continue
			}
			s.Variables = append(s.Variables, name)
		}
		out = append(out, s)
	}
	return out, nil
}

// LessID orders stride keys by subject, task, then stride index.
func LessID(a, b StrideID) bool {
	if a.SubjectID != b.SubjectID {
		return a.SubjectID < b.SubjectID
	}
	if a.TaskID != b.TaskID {
		return a.TaskID < b.TaskID
	}
	return a.StrideIndex < b.StrideIndex
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func allNaN(vals []float64) bool {
	for _, v := range vals {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// PhaseIndex converts a phase percentage to the nearest grid index.
func PhaseIndex(pct float64, points int) int {
	return int(math.Round(pct / 100 * float64(points-1)))
}
