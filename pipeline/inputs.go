package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// trialPattern matches trial files below a directory input.
const trialPattern = "**/*.{csv,fit,CSV,FIT}"

// ExpandInputs resolves files, directories and doublestar patterns into a
// sorted, de-duplicated list of trial files.
func ExpandInputs(inputs []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}

	for _, in := range inputs {
		in = strings.TrimSpace(in)
		if in == "" {
			continue
		}
		pattern := in
		if !containsGlob(in) {
			info, err := os.Stat(in)
			if err != nil {
				return nil, fmt.Errorf("stat input: %w", err)
			}
			if !info.IsDir() {
				add(filepath.Clean(in))
				continue
			}
			pattern = filepath.Join(in, trialPattern)
		}

		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob error: %w", err)
		}
		n := 0
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			add(filepath.Clean(match))
			n++
		}
		if n == 0 {
			return nil, fmt.Errorf("no trial files match %s", in)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no inputs given")
	}
	sort.Strings(out)
	return out, nil
}

func containsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
