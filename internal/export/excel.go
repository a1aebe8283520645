package export

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"huntsync/internal/domain"
	"huntsync/internal/errors"
)

// WriteWorkbook writes the flattened tables into a single Excel
// workbook: a Summary sheet plus a records sheet per category (leaf
// sheets only when the category produced leaves). Sheet names are
// truncated to Excel's 31-character limit.
func (w *Writer) WriteWorkbook(summary domain.RunSummary, data []CategoryData) error {
	f := excelize.NewFile()
	defer f.Close()

	const first = "Summary"
	f.SetSheetName("Sheet1", first)

	headers, rows := summaryTable(summary)
	if err := writeSheet(f, first, headers, rows); err != nil {
		return err
	}

	for _, d := range data {
		headers, rows = recordTable(d.Records)
		sheet := sheetName(d.Category.ID + " records")
		if _, err := f.NewSheet(sheet); err != nil {
			return errors.ExportFailure("export.excel", "failed to create sheet "+sheet, err)
		}
		if err := writeSheet(f, sheet, headers, rows); err != nil {
			return err
		}

		headers, rows = leafTable(d.Records)
		if len(rows) == 0 {
			continue
		}
		sheet = sheetName(d.Category.ID + " leaves")
		if _, err := f.NewSheet(sheet); err != nil {
			return errors.ExportFailure("export.excel", "failed to create sheet "+sheet, err)
		}
		if err := writeSheet(f, sheet, headers, rows); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(w.dir, "run.xlsx.*.tmp")
	if err != nil {
		return errors.ExportFailure("export.excel", "failed to create temp workbook", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := f.Write(tmp); err != nil {
		tmp.Close()
		return errors.ExportFailure("export.excel", "failed to write workbook", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.ExportFailure("export.excel", "failed to sync workbook", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.ExportFailure("export.excel", "failed to close temp workbook", err)
	}

	path := filepath.Join(w.dir, "run.xlsx")
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.ExportFailure("export.excel", "failed to finalize workbook", err)
	}
	w.logger.Info("workbook export written",
		slog.String("path", path),
		slog.Int("categories", len(data)))
	return nil
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]string) error {
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return errors.ExportFailure("export.excel", "failed to write headers on "+sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return errors.ExportFailure("export.excel", "failed to address row on "+sheet, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return errors.ExportFailure("export.excel", "failed to write row on "+sheet, err)
		}
	}
	return nil
}

func sheetName(name string) string {
	if len(name) > 31 {
		return name[:31]
	}
	return name
}
