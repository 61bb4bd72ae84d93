package report

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/lucasjlepore/gaitphase/validate"
)

const summaryTopN = 10

// BuildSummary renders a human-readable run summary.
func BuildSummary(b *Bundle) string {
	if b == nil {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s\n", b.RunID)
	if !b.GeneratedAt.IsZero() {
		fmt.Fprintf(&sb, "Generated: %s\n", b.GeneratedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&sb, "Inputs %d | Strides written %d | Skipped items %d\n", len(b.Inputs), b.Strides, len(b.Skipped))
	if b.Expectations != nil {
		fmt.Fprintf(&sb, "Expectations: %s (sha256 %s)\n", b.Expectations.Name, shortHash(b.Expectations.SHA256))
	}

	if counts := b.SkipCounts(); len(counts) > 0 {
		sb.WriteString("\nSkipped\n")
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %d\n", k, counts[k])
		}
	}

	v := b.Validation
	if v == nil {
		sb.WriteString("\nValidation not run (no expectations configured)\n")
		writeWarnings(&sb, b.Warnings)
		return sb.String()
	}

	fmt.Fprintf(
		&sb,
		"\nValidation %d checked | %d passed | %d failed | pass rate %.1f%%\n",
		v.StridesChecked,
		v.StridesPassed,
		v.StridesFailed,
		100*v.PassRate(),
	)
	if len(v.SkipCounts) > 0 {
		reasons := make([]validate.SkipReason, 0, len(v.SkipCounts))
		for r := range v.SkipCounts {
			reasons = append(reasons, r)
		}
		slices.Sort(reasons)
		parts := make([]string, 0, len(reasons))
		for _, r := range reasons {
			parts = append(parts, fmt.Sprintf("%s %d", r, v.SkipCounts[r]))
		}
		fmt.Fprintf(&sb, "Not validated: %s\n", strings.Join(parts, ", "))
	}

	if len(v.Tasks) > 0 {
		sb.WriteString("\nTasks\n")
		for _, ts := range v.Tasks {
			if ts.Strides == 0 {
				fmt.Fprintf(&sb, "- %s: no strides checked (%d skipped)\n", ts.Task, ts.SkippedStrides)
				continue
			}
			fmt.Fprintf(
				&sb,
				"- %s: %d/%d passed (%.1f%%) | local %d | global %d | failure points %d\n",
				ts.Task,
				ts.Passed,
				ts.Strides,
				100*ts.PassRate,
				ts.LocalStrides,
				ts.GlobalStrides,
				ts.FailurePoints,
			)
		}
	}

	if len(v.ProblemTasks) > 0 && v.ProblemTasks[0].PassRate < 1 {
		sb.WriteString("\nProblem tasks (lowest pass rate first)\n")
		for i, ts := range v.ProblemTasks {
			if i >= summaryTopN || ts.PassRate >= 1 {
				break
			}
			fmt.Fprintf(&sb, "%d. %s %.1f%%\n", i+1, ts.Task, 100*ts.PassRate)
		}
	}

	if len(v.FailingVariables) > 0 {
		sb.WriteString("\nMost failing variables\n")
		for i, vc := range v.FailingVariables {
			if i >= summaryTopN {
				break
			}
			fmt.Fprintf(&sb, "%d. %s: %d\n", i+1, vc.Variable, vc.Count)
		}
	}
	if len(v.FailingPhases) > 0 {
		sb.WriteString("\nMost failing phases\n")
		for i, pc := range v.FailingPhases {
			if i >= summaryTopN {
				break
			}
			fmt.Fprintf(&sb, "%d. index %d (%.1f%%): %d\n", i+1, pc.PhaseIndex, pc.PhasePct, pc.Count)
		}
	}

	writeWarnings(&sb, b.Warnings)
	return sb.String()
}

func writeWarnings(sb *strings.Builder, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	sb.WriteString("\nWarnings\n")
	for _, w := range warnings {
		fmt.Fprintf(sb, "- %s\n", w)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
