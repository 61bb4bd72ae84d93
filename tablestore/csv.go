package tablestore

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/trial"
)

var strideCSVKeys = []string{"subject_id", "task_id", "stride_index", "side", "phase_index", "phase_pct"}

// WriteStrideCSV writes table wide: one row per phase point, one column per
// variable. NaN cells are left empty.
func WriteStrideCSV(w io.Writer, table *phase.Table) error {
	if table == nil {
		return fmt.Errorf("table is required")
	}
	cw := csv.NewWriter(w)
	header := append(append([]string(nil), strideCSVKeys...), table.Variables...)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, r := range table.Rows {
		record[0] = r.SubjectID
		record[1] = r.TaskID
		record[2] = strconv.Itoa(r.StrideIndex)
		record[3] = string(r.Side)
		record[4] = strconv.Itoa(r.PhaseIndex)
		record[5] = formatFloat(r.Phase)
		for i := range table.Variables {
			v := math.NaN()
			if i < len(r.Values) {
				v = r.Values[i]
			}
			record[len(strideCSVKeys)+i] = formatFloat(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteStrideCSVFile writes table to path.
func WriteStrideCSVFile(path string, table *phase.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create stride csv: %w", err)
	}
	if err := WriteStrideCSV(f, table); err != nil {
		_ = f.Close()
		return fmt.Errorf("write stride csv: %w", err)
	}
	return f.Close()
}

// ReadStrideCSV parses a table written by WriteStrideCSV. The grid length is
// one more than the largest phase index.
func ReadStrideCSV(r io.Reader) (*phase.Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < len(strideCSVKeys) {
		return nil, fmt.Errorf("header has %d columns, want at least %d", len(header), len(strideCSVKeys))
	}
	for i, key := range strideCSVKeys {
		if strings.TrimSpace(header[i]) != key {
			return nil, fmt.Errorf("column %d is %q, want %q", i, header[i], key)
		}
	}
	table := &phase.Table{Variables: append([]string(nil), header[len(strideCSVKeys):]...)}
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
		stride, err := strconv.Atoi(rec[2])
		if err != nil {
			return nil, fmt.Errorf("row %d stride_index: %w", line, err)
		}
		phaseIdx, err := strconv.Atoi(rec[4])
		if err != nil {
			return nil, fmt.Errorf("row %d phase_index: %w", line, err)
		}
		pct, err := parseFloat(rec[5])
		if err != nil {
			return nil, fmt.Errorf("row %d phase_pct: %w", line, err)
		}
		row := phase.Row{
			SubjectID:   rec[0],
			TaskID:      rec[1],
			StrideIndex: stride,
			Side:        trial.Side(rec[3]),
			PhaseIndex:  phaseIdx,
			Phase:       pct,
			Values:      make([]float64, len(table.Variables)),
		}
		for i, name := range table.Variables {
			v, err := parseFloat(rec[len(strideCSVKeys)+i])
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", line, name, err)
			}
			row.Values[i] = v
		}
		if phaseIdx+1 > table.Points {
			table.Points = phaseIdx + 1
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// ReadStrideCSVFile reads a stride table from path.
func ReadStrideCSVFile(path string) (*phase.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stride csv: %w", err)
	}
	defer f.Close()
	return ReadStrideCSV(f)
}

// WriteTrialCSV writes one trial in the wide time-indexed layout that
// trial.DecodeCSV reads back.
func WriteTrialCSV(w io.Writer, t *trial.RawTrial) error {
	if t == nil {
		return fmt.Errorf("trial is required")
	}
	names := t.ChannelNames()
	cw := csv.NewWriter(w)
	header := append([]string{"time_s", "subject_id", "task_id"}, names...)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for i := 0; i < t.Len(); i++ {
		record[0] = formatFloat(t.TimeAt(i))
		record[1] = t.SubjectID
		record[2] = t.TaskID
		for c, name := range names {
			ch := t.Channels[name]
			v := math.NaN()
			if i < len(ch) {
				v = ch[i]
			}
			record[3+c] = formatFloat(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTrialCSVFile writes one trial to path.
func WriteTrialCSVFile(path string, t *trial.RawTrial) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trial csv: %w", err)
	}
	if err := WriteTrialCSV(f, t); err != nil {
		_ = f.Close()
		return fmt.Errorf("write trial csv: %w", err)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
