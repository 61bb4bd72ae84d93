package trial

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const (
	csvTimeColumn    = "time_s"
	csvSubjectColumn = "subject_id"
	csvTaskColumn    = "task_id"
)

// ReadCSVFile loads a wide CSV export: a time_s column plus one numeric
// column per channel. Identity comes from constant subject_id/task_id
// columns, else from a "<subject>__<task>.csv" file name, else from opts.
func ReadCSVFile(path string, opts ReadOptions) (*RawTrial, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trial csv: %w", err)
	}
	defer f.Close()

	t, err := DecodeCSV(f)
	if err != nil {
		return nil, fmt.Errorf("decode trial csv %s: %w", path, err)
	}
	t.Source = path
	applyIdentity(t, path, opts)
	return t, nil
}

// DecodeCSV parses a wide trial CSV. Empty cells become NaN.
func DecodeCSV(r io.Reader) (*RawTrial, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	timeCol, subjectCol, taskCol := -1, -1, -1
	channelCols := make(map[int]string, len(header))
	for i, raw := range header {
		name := strings.TrimSpace(raw)
		switch name {
		case csvTimeColumn:
			timeCol = i
		case csvSubjectColumn:
			subjectCol = i
		case csvTaskColumn:
			taskCol = i
		case "":
			return nil, fmt.Errorf("empty column name at position %d", i)
		default:
			channelCols[i] = name
		}
	}
	if timeCol < 0 {
		return nil, fmt.Errorf("missing %s column", csvTimeColumn)
	}

	t := &RawTrial{
		Channels: make(map[string][]float64, len(channelCols)),
		Metadata: map[string]string{},
	}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line+1, err)
		}
		line++

		ts, err := parseCell(rec[timeCol])
		if err != nil || math.IsNaN(ts) {
			return nil, fmt.Errorf("row %d: invalid %s %q", line, csvTimeColumn, rec[timeCol])
		}
		t.Time = append(t.Time, ts)

		if subjectCol >= 0 {
			if err := setConstant(&t.SubjectID, rec[subjectCol], csvSubjectColumn, line); err != nil {
				return nil, err
			}
		}
		if taskCol >= 0 {
			if err := setConstant(&t.TaskID, rec[taskCol], csvTaskColumn, line); err != nil {
				return nil, err
			}
		}
		for col, name := range channelCols {
			v, err := parseCell(rec[col])
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", line, name, err)
			}
			t.Channels[name] = append(t.Channels[name], v)
		}
	}
	if len(t.Time) == 0 {
		return nil, fmt.Errorf("no data rows")
	}
	t.SamplingRateHz = InferSamplingRate(t.Time)
	return t, nil
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func setConstant(dst *string, value, column string, line int) error {
	value = strings.TrimSpace(value)
	if *dst == "" {
		*dst = value
		return nil
	}
	if *dst != value {
		return fmt.Errorf("row %d: %s changes from %q to %q within one trial", line, column, *dst, value)
	}
	return nil
}
