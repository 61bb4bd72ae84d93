// Package tablestore persists phase-indexed stride tables and time-indexed
// trial tables as Parquet, CSV or SQLite.
package tablestore

import (
	"fmt"

	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/trial"
)

// strideParquetRow holds one variable of one stride; Values carries every
// phase point, so the grid length is preserved per row.
type strideParquetRow struct {
	SubjectID   string    `parquet:"name=subject_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	TaskID      string    `parquet:"name=task_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	StrideIndex int64     `parquet:"name=stride_index, type=INT64"`
	Side        string    `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Variable    string    `parquet:"name=variable, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Values      []float64 `parquet:"name=values, type=LIST, valuetype=DOUBLE"`
}

// trialParquetRow holds one channel of one trial.
type trialParquetRow struct {
	SubjectID      string    `parquet:"name=subject_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	TaskID         string    `parquet:"name=task_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Source         string    `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	SamplingRateHz float64   `parquet:"name=sampling_rate_hz, type=DOUBLE"`
	Channel        string    `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Values         []float64 `parquet:"name=values, type=LIST, valuetype=DOUBLE"`
}

// WriteStrideParquet writes table to path.
func WriteStrideParquet(path string, table *phase.Table) error {
	rows, err := strideRows(table)
	if err != nil {
		return err
	}
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create stride parquet: %w", err)
	}
	if err := writeParquet(fw, new(strideParquetRow), rows); err != nil {
		_ = fw.Close()
		return fmt.Errorf("write stride parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("close stride parquet: %w", err)
	}
	return nil
}

// MarshalStrideParquet encodes table into an in-memory Parquet file.
func MarshalStrideParquet(table *phase.Table) ([]byte, error) {
	rows, err := strideRows(table)
	if err != nil {
		return nil, err
	}
	fw := parquetbuffer.NewBufferFile()
	if err := writeParquet(fw, new(strideParquetRow), rows); err != nil {
		return nil, fmt.Errorf("marshal stride parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

// ReadStrideParquet reads a stride table written by WriteStrideParquet.
func ReadStrideParquet(path string) (*phase.Table, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open stride parquet: %w", err)
	}
	defer fr.Close()
	return readStrideParquet(fr)
}

// UnmarshalStrideParquet decodes a stride table from Parquet bytes.
func UnmarshalStrideParquet(data []byte) (*phase.Table, error) {
	return readStrideParquet(parquetbuffer.NewBufferFileFromBytes(data))
}

func readStrideParquet(fr source.ParquetFile) (*phase.Table, error) {
	pr, err := reader.NewParquetReader(fr, new(strideParquetRow), 4)
	if err != nil {
		return nil, fmt.Errorf("open parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]strideParquetRow, int(pr.GetNumRows()))
	if len(rows) > 0 {
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("read stride rows: %w", err)
		}
	}

	byID := map[phase.StrideID]*phase.PhaseNormalizedStride{}
	var order []*phase.PhaseNormalizedStride
	for _, r := range rows {
		id := phase.StrideID{SubjectID: r.SubjectID, TaskID: r.TaskID, StrideIndex: int(r.StrideIndex)}
		s, ok := byID[id]
		if !ok {
			s = &phase.PhaseNormalizedStride{
				ID:     id,
				Side:   trial.Side(r.Side),
				Phase:  phase.Grid(len(r.Values)),
				Values: map[string][]float64{},
			}
			byID[id] = s
			order = append(order, s)
		}
		if len(r.Values) != len(s.Phase) {
			return nil, fmt.Errorf("stride %s variable %s has %d values, want %d", id, r.Variable, len(r.Values), len(s.Phase))
		}
		if _, dup := s.Values[r.Variable]; dup {
			return nil, fmt.Errorf("stride %s has duplicate variable %s", id, r.Variable)
		}
		s.Values[r.Variable] = r.Values
		s.Variables = append(s.Variables, r.Variable)
	}
	return phase.TableFromStrides(order)
}

func strideRows(table *phase.Table) ([]strideParquetRow, error) {
	if table == nil {
		return nil, fmt.Errorf("table is required")
	}
	strides, err := table.Strides()
	if err != nil {
		return nil, fmt.Errorf("rebuild strides: %w", err)
	}
	rows := make([]strideParquetRow, 0, len(strides)*len(table.Variables))
	for _, s := range strides {
		for _, name := range s.Variables {
			rows = append(rows, strideParquetRow{
				SubjectID:   s.ID.SubjectID,
				TaskID:      s.ID.TaskID,
				StrideIndex: int64(s.ID.StrideIndex),
				Side:        string(s.Side),
				Variable:    name,
				Values:      s.Values[name],
			})
		}
	}
	return rows, nil
}

// WriteTrialParquet writes the time-indexed table of trials to path, one
// row per (trial, channel).
func WriteTrialParquet(path string, trials []*trial.RawTrial) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create trial parquet: %w", err)
	}
	if err := writeParquet(fw, new(trialParquetRow), trialRows(trials)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("write trial parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("close trial parquet: %w", err)
	}
	return nil
}

// MarshalTrialParquet encodes the time-indexed table of trials in memory.
func MarshalTrialParquet(trials []*trial.RawTrial) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	if err := writeParquet(fw, new(trialParquetRow), trialRows(trials)); err != nil {
		return nil, fmt.Errorf("marshal trial parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

// UnmarshalTrialParquet decodes trials from Parquet bytes. Time axes are not
// stored; samples sit at i/SamplingRateHz.
func UnmarshalTrialParquet(data []byte) ([]*trial.RawTrial, error) {
	pr, err := reader.NewParquetReader(parquetbuffer.NewBufferFileFromBytes(data), new(trialParquetRow), 4)
	if err != nil {
		return nil, fmt.Errorf("open parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]trialParquetRow, int(pr.GetNumRows()))
	if len(rows) > 0 {
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("read trial rows: %w", err)
		}
	}
	type trialKey struct{ subject, task, source string }
	byKey := map[trialKey]*trial.RawTrial{}
	var out []*trial.RawTrial
	for _, r := range rows {
		k := trialKey{r.SubjectID, r.TaskID, r.Source}
		t, ok := byKey[k]
		if !ok {
			t = &trial.RawTrial{
				SubjectID:      r.SubjectID,
				TaskID:         r.TaskID,
				Source:         r.Source,
				SamplingRateHz: r.SamplingRateHz,
				Channels:       map[string][]float64{},
			}
			byKey[k] = t
			out = append(out, t)
		}
		t.Channels[r.Channel] = r.Values
	}
	return out, nil
}

func trialRows(trials []*trial.RawTrial) []trialParquetRow {
	var rows []trialParquetRow
	for _, t := range trials {
		if t == nil {
			continue
		}
		for _, name := range t.ChannelNames() {
			rows = append(rows, trialParquetRow{
				SubjectID:      t.SubjectID,
				TaskID:         t.TaskID,
				Source:         t.Source,
				SamplingRateHz: t.SamplingRateHz,
				Channel:        name,
				Values:         t.Channels[name],
			})
		}
	}
	return rows
}

func writeParquet[T any](fw source.ParquetFile, schema *T, rows []T) error {
	pw, err := writer.NewParquetWriter(fw, schema, 4)
	if err != nil {
		return err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return err
		}
	}
	return pw.WriteStop()
}
