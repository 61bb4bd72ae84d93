package tablestore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lucasjlepore/gaitphase/phase"
)

// Supported stride table formats.
const (
	FormatParquet = "parquet"
	FormatCSV     = "csv"
	FormatSQLite  = "sqlite"
)

// FormatExtension returns the file extension written for format.
func FormatExtension(format string) string {
	switch format {
	case FormatCSV:
		return "csv"
	case FormatSQLite:
		return "db"
	default:
		return "parquet"
	}
}

// FormatFromPath infers the table format from a file extension.
func FormatFromPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return FormatParquet, nil
	case ".csv":
		return FormatCSV, nil
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite, nil
	default:
		return "", fmt.Errorf("unsupported table file %q (expected .parquet|.csv|.db)", filepath.Base(path))
	}
}

// WriteTableFile writes table to path in format.
func WriteTableFile(ctx context.Context, path, format string, table *phase.Table) error {
	switch format {
	case FormatParquet:
		return WriteStrideParquet(path, table)
	case FormatCSV:
		return WriteStrideCSVFile(path, table)
	case FormatSQLite:
		db, err := OpenSQLite(path)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.WriteTable(ctx, table)
	default:
		return fmt.Errorf("unsupported format %q (expected parquet|csv|sqlite)", format)
	}
}

// ReadTableFile reads a stride table, choosing the reader by extension. For
// SQLite files with a non-empty phases list only those phase rows are read.
func ReadTableFile(ctx context.Context, path string, phases []int) (*phase.Table, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatParquet:
		return ReadStrideParquet(path)
	case FormatCSV:
		return ReadStrideCSVFile(path)
	default:
		db, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		if len(phases) > 0 {
			return db.ReadRepresentative(ctx, phases)
		}
		return db.ReadTable(ctx)
	}
}
