package validate

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lucasjlepore/gaitphase/phase"
)

// SkipReason explains why a stride was not validated.
type SkipReason string

const (
	// SkipIncomplete: the stride lacks at least one representative phase row.
	SkipIncomplete SkipReason = "incomplete"
	// SkipNoExpectations: the stride's task has no ranges in the store.
	SkipNoExpectations SkipReason = "no_expectations"
	// SkipNothingChecked: the stride carries none of its task's variables.
	SkipNothingChecked SkipReason = "nothing_checked"
)

// SkippedStride records a stride the dataset validator did not check.
type SkippedStride struct {
	ID     phase.StrideID `json:"id"`
	Reason SkipReason     `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}

// TaskSummary holds per-task counts.
type TaskSummary struct {
	Task           string  `json:"task"`
	Strides        int     `json:"strides"`
	Passed         int     `json:"passed"`
	Failed         int     `json:"failed"`
	PassRate       float64 `json:"pass_rate"`
	LocalStrides   int     `json:"local_strides"`
	GlobalStrides  int     `json:"global_strides"`
	FailurePoints  int     `json:"failure_points"`
	SkippedStrides int     `json:"skipped_strides"`
}

// VariableCount is one entry of the failing-variable ranking.
type VariableCount struct {
	Variable string `json:"variable"`
	Count    int    `json:"count"`
}

// PhaseCount is one entry of the failing-phase ranking.
type PhaseCount struct {
	PhaseIndex int     `json:"phase_index"`
	PhasePct   float64 `json:"phase_pct"`
	Count      int     `json:"count"`
}

// DatasetReport aggregates stride verdicts over a table.
type DatasetReport struct {
	Tasks            []TaskSummary      `json:"tasks"`
	Failures         []Failure          `json:"-"`
	FailingVariables []VariableCount    `json:"failing_variables"`
	FailingPhases    []PhaseCount       `json:"failing_phases"`
	ProblemTasks     []TaskSummary      `json:"problem_tasks"`
	Skipped          []SkippedStride    `json:"skipped"`
	SkipCounts       map[SkipReason]int `json:"skip_counts"`
	StridesChecked   int                `json:"strides_checked"`
	StridesPassed    int                `json:"strides_passed"`
	StridesFailed    int                `json:"strides_failed"`
}

// PassRate is the dataset-wide share of checked strides that passed.
func (r *DatasetReport) PassRate() float64 {
	if r.StridesChecked == 0 {
		return 0
	}
	return float64(r.StridesPassed) / float64(r.StridesChecked)
}

// Task returns the summary of one task.
func (r *DatasetReport) Task(name string) (TaskSummary, bool) {
	for _, ts := range r.Tasks {
		if ts.Task == name {
			return ts, true
		}
	}
	return TaskSummary{}, false
}

// DatasetOptions configures ValidateDataset.
type DatasetOptions struct {
	// Workers bounds the tasks validated concurrently. Defaults to GOMAXPROCS.
	Workers int
}

// sparseStride carries only the representative-phase values of a stride.
type sparseStride struct {
	id     phase.StrideID
	values map[string]map[int]float64
	phases map[int]bool
}

func (s *sparseStride) Identity() phase.StrideID { return s.id }

func (s *sparseStride) HasVariable(name string) bool {
	_, ok := s.values[name]
	return ok
}

func (s *sparseStride) ValueAt(name string, idx int) (float64, bool) {
	v, ok := s.values[name][idx]
	if !ok {
		return math.NaN(), false
	}
	return v, true
}

type taskResult struct {
	summary  TaskSummary
	verdicts []StrideVerdict
	skipped  []SkippedStride
}

// ValidateDataset validates every stride in table. Only rows at
// representative phases are read. Tasks are validated in parallel and reduced
// in sorted task order. Rankings break ties by first encounter in the order
// task, variable (store declaration order), phase (ascending).
func ValidateDataset(ctx context.Context, table *phase.Table, v *Validator, opts DatasetOptions) (*DatasetReport, error) {
	if table == nil {
		return nil, fmt.Errorf("table is required")
	}
	if v == nil {
		return nil, fmt.Errorf("validator is required")
	}
	store := v.Store()
	if len(table.Rows) > 0 && table.Points != store.Points() {
		return nil, fmt.Errorf("table has %d phase points, expectations are defined for %d", table.Points, store.Points())
	}

	grouped := groupRepresentative(table, store.IsRepresentative)
	tasks := make([]string, 0, len(grouped))
	for task := range grouped {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]taskResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, task := range tasks {
		g.Go(func() error {
			res, err := validateTask(gctx, task, grouped[task], v)
			if err != nil {
				return fmt.Errorf("validate task %s: %w", task, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reduce(results, v.Store().Variables, v.Store().RepresentativePhases()), nil
}

// groupRepresentative buckets representative rows by task and stride.
func groupRepresentative(table *phase.Table, keep func(int) bool) map[string]map[phase.StrideID]*sparseStride {
	out := map[string]map[phase.StrideID]*sparseStride{}
	for _, row := range table.Rows {
		id := row.ID()
		byID, ok := out[id.TaskID]
		if !ok {
			byID = map[phase.StrideID]*sparseStride{}
			out[id.TaskID] = byID
		}
		s, ok := byID[id]
		if !ok {
			s = &sparseStride{id: id, values: map[string]map[int]float64{}, phases: map[int]bool{}}
			byID[id] = s
		}
		if !keep(row.PhaseIndex) {
			continue
		}
		s.phases[row.PhaseIndex] = true
		for c, name := range table.Variables {
			if c >= len(row.Values) || math.IsNaN(row.Values[c]) {
				continue
			}
			if s.values[name] == nil {
				s.values[name] = map[int]float64{}
			}
			s.values[name][row.PhaseIndex] = row.Values[c]
		}
	}
	return out
}

func validateTask(ctx context.Context, task string, strides map[phase.StrideID]*sparseStride, v *Validator) (taskResult, error) {
	res := taskResult{summary: TaskSummary{Task: task}}
	ids := make([]phase.StrideID, 0, len(strides))
	for id := range strides {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return phase.LessID(ids[i], ids[j]) })

	store := v.Store()
	phases := store.RepresentativePhases()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return taskResult{}, err
		}
		s := strides[id]
		if !store.HasTask(task) {
			res.skipped = append(res.skipped, SkippedStride{ID: id, Reason: SkipNoExpectations})
			continue
		}
		if missing := missingPhases(s, phases); len(missing) > 0 {
			res.skipped = append(res.skipped, SkippedStride{
				ID:     id,
				Reason: SkipIncomplete,
				Detail: fmt.Sprintf("missing representative phase indices %v", missing),
			})
			continue
		}
		verdict, err := v.Validate(s)
		if err != nil {
			return taskResult{}, err
		}
		if verdict.Checked == 0 {
			res.skipped = append(res.skipped, SkippedStride{
				ID:     id,
				Reason: SkipNothingChecked,
				Detail: fmt.Sprintf("no values for %s", strings.Join(verdict.Unchecked, ", ")),
			})
			continue
		}
		res.verdicts = append(res.verdicts, verdict)
		res.summary.Strides++
		if verdict.Valid {
			res.summary.Passed++
			continue
		}
		res.summary.Failed++
		res.summary.FailurePoints += len(verdict.Failures)
		if verdict.Category == CategoryGlobal {
			res.summary.GlobalStrides++
		} else {
			res.summary.LocalStrides++
		}
	}
	res.summary.SkippedStrides = len(res.skipped)
	if res.summary.Strides > 0 {
		res.summary.PassRate = float64(res.summary.Passed) / float64(res.summary.Strides)
	}
	return res, nil
}

func missingPhases(s *sparseStride, phases []int) []int {
	var missing []int
	for _, idx := range phases {
		if !s.phases[idx] {
			missing = append(missing, idx)
		}
	}
	return missing
}

func reduce(results []taskResult, variables func(task string) []string, phases []int) *DatasetReport {
	report := &DatasetReport{SkipCounts: map[SkipReason]int{}}
	varCount := map[string]int{}
	phaseCount := map[int]int{}
	phasePct := map[int]float64{}
	varSeen := map[string]bool{}
	phaseSeen := map[int]bool{}
	for _, res := range results {
		report.Tasks = append(report.Tasks, res.summary)
		report.Skipped = append(report.Skipped, res.skipped...)
		for _, sk := range res.skipped {
			report.SkipCounts[sk.Reason]++
		}
		failed := map[string]map[int]bool{}
		for _, verdict := range res.verdicts {
			report.StridesChecked++
			if verdict.Valid {
				report.StridesPassed++
			} else {
				report.StridesFailed++
			}
			for _, f := range verdict.Failures {
				report.Failures = append(report.Failures, f)
				varCount[f.Variable]++
				phaseCount[f.PhaseIndex]++
				phasePct[f.PhaseIndex] = f.PhasePct
				if failed[f.Variable] == nil {
					failed[f.Variable] = map[int]bool{}
				}
				failed[f.Variable][f.PhaseIndex] = true
			}
		}
		if len(failed) == 0 {
			continue
		}
		// First encounter within a task follows the validator's walk.
		for _, name := range variables(res.summary.Task) {
			if failed[name] == nil {
				continue
			}
			if !varSeen[name] {
				varSeen[name] = true
				report.FailingVariables = append(report.FailingVariables, VariableCount{Variable: name})
			}
			for _, idx := range phases {
				if failed[name][idx] && !phaseSeen[idx] {
					phaseSeen[idx] = true
					report.FailingPhases = append(report.FailingPhases, PhaseCount{PhaseIndex: idx})
				}
			}
		}
	}
	for i := range report.FailingVariables {
		report.FailingVariables[i].Count = varCount[report.FailingVariables[i].Variable]
	}
	for i := range report.FailingPhases {
		idx := report.FailingPhases[i].PhaseIndex
		report.FailingPhases[i].PhasePct = phasePct[idx]
		report.FailingPhases[i].Count = phaseCount[idx]
	}

	// Stable sorts keep first-encounter order among equal counts.
	sort.SliceStable(report.FailingVariables, func(i, j int) bool {
		return report.FailingVariables[i].Count > report.FailingVariables[j].Count
	})
	sort.SliceStable(report.FailingPhases, func(i, j int) bool {
		return report.FailingPhases[i].Count > report.FailingPhases[j].Count
	})
	for _, ts := range report.Tasks {
		if ts.Strides > 0 {
			report.ProblemTasks = append(report.ProblemTasks, ts)
		}
	}
	sort.SliceStable(report.ProblemTasks, func(i, j int) bool {
		return report.ProblemTasks[i].PassRate < report.ProblemTasks[j].PassRate
	})
	return report
}
