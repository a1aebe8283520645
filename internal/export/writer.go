// Package export renders a run's captured records to durable files:
// a nested JSON document mirroring the record tree, flattened CSV
// tables, and optionally an Excel workbook. Exports write through a
// temp file and rename so a crash never leaves a half-written file in
// place.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"huntsync/internal/domain"
	"huntsync/internal/errors"
)

// Writer writes export artifacts for one run into a run directory.
type Writer struct {
	dir    string
	logger *slog.Logger
	// bom prefixes CSV files with a UTF-8 BOM so Excel opens them
	// correctly.
	bom bool
}

// NewWriter creates a Writer rooted at dir, creating it if needed.
func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.ExportFailure("export.init", "failed to create export directory", err)
	}
	return &Writer{dir: dir, logger: logger, bom: true}, nil
}

// Dir returns the run export directory.
func (w *Writer) Dir() string { return w.dir }

// WriteNested writes the nested JSON document as run.json.
func (w *Writer) WriteNested(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.ExportFailure("export.nested", "failed to marshal nested document", err)
	}
	path := filepath.Join(w.dir, "run.json")
	if err := w.writeAtomic(path, data); err != nil {
		return err
	}
	w.logger.Info("nested export written",
		slog.String("path", path),
		slog.Int("categories", len(doc.Categories)))
	return nil
}

// WriteTables writes the flattened CSV tables: summary.csv plus
// <category>_records.csv and <category>_leaves.csv per category.
// Categories with no new records still get their record table so an
// empty run is distinguishable from a missing one.
func (w *Writer) WriteTables(summary domain.RunSummary, data []CategoryData) error {
	headers, rows := summaryTable(summary)
	if err := w.writeCSV("summary.csv", headers, rows); err != nil {
		return err
	}

	for _, d := range data {
		headers, rows = recordTable(d.Records)
		name := fmt.Sprintf("%s_records.csv", d.Category.ID)
		if err := w.writeCSV(name, headers, rows); err != nil {
			return err
		}

		headers, rows = leafTable(d.Records)
		if len(rows) == 0 {
			continue
		}
		name = fmt.Sprintf("%s_leaves.csv", d.Category.ID)
		if err := w.writeCSV(name, headers, rows); err != nil {
			return err
		}
	}
	return nil
}

// writeCSV renders one table into the run directory atomically.
func (w *Writer) writeCSV(name string, headers []string, rows [][]string) error {
	tmp, err := os.CreateTemp(w.dir, name+".*.tmp")
	if err != nil {
		return errors.ExportFailure("export.csv", "failed to create temp file for "+name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if w.bom {
		if _, err := tmp.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			tmp.Close()
			return errors.ExportFailure("export.csv", "failed to write BOM to "+name, err)
		}
	}

	cw := csv.NewWriter(tmp)
	if err := cw.Write(headers); err != nil {
		tmp.Close()
		return errors.ExportFailure("export.csv", "failed to write headers to "+name, err)
	}
	for i, row := range rows {
		if err := cw.Write(row); err != nil {
			tmp.Close()
			return errors.ExportFailure("export.csv", fmt.Sprintf("failed to write row %d to %s", i, name), err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		tmp.Close()
		return errors.ExportFailure("export.csv", "failed to flush "+name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.ExportFailure("export.csv", "failed to sync "+name, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.ExportFailure("export.csv", "failed to close "+name, err)
	}

	path := filepath.Join(w.dir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.ExportFailure("export.csv", "failed to finalize "+name, err)
	}

	w.logger.Info("table export written",
		slog.String("path", path),
		slog.Int("rows", len(rows)))
	return nil
}

func (w *Writer) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.ExportFailure("export.write", "failed to create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.ExportFailure("export.write", "failed to write "+path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.ExportFailure("export.write", "failed to sync "+path, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.ExportFailure("export.write", "failed to close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.ExportFailure("export.write", "failed to finalize "+path, err)
	}
	return nil
}
