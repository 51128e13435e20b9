package upload

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"

	"github.com/xuri/excelize/v2"

	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

// amountNumFmt is the built-in "0.00" number format.
const amountNumFmt = 2

// ContentType returns the MIME type served for format.
func ContentType(format Format) string {
	switch format {
	case FormatXLSX:
		return mimeXLSX
	case FormatXLS:
		return mimeXLS
	default:
		return "text/csv; charset=utf-8"
	}
}

// Filename is the download name of a dataset template.
func Filename(ds *dataset.Dataset, format Format) string {
	return fmt.Sprintf("%s_template.%s", ds.Name, format)
}

// WriteTemplate writes the upload template of ds followed by rows, which
// are usually the current contents of the table. Legacy XLS is read-only.
func WriteTemplate(w io.Writer, format Format, ds *dataset.Dataset, rows []record.Row) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, ds, rows)
	case FormatXLSX:
		return writeXLSX(w, ds, rows)
	default:
		return fmt.Errorf("%w: cannot write %s templates", ErrUnsupportedFormat, format)
	}
}

func writeCSV(w io.Writer, ds *dataset.Dataset, rows []record.Row) error {
	columns := ds.UploadColumns()
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	line := make([]string, len(columns))
	for _, row := range rows {
		for i, c := range columns {
			line[i] = cellText(ds, c, row[c])
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, ds *dataset.Dataset, rows []record.Row) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	sheet := ds.Name
	if len(sheet) > 31 {
		sheet = sheet[:31]
	}
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return err
	}

	columns := ds.UploadColumns()
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(columns), 1)
	if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
		return err
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}

	amount, err := f.NewStyle(&excelize.Style{NumFmt: amountNumFmt})
	if err != nil {
		return err
	}
	for r, row := range rows {
		values := make([]any, len(columns))
		for i, c := range columns {
			values[i] = cellValue(ds, c, row[c])
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		for i, c := range columns {
			if !slices.Contains(ds.Amounts, c) {
				continue
			}
			col, _ := excelize.ColumnNumberToName(i + 1)
			if err := f.SetCellStyle(sheet, col+"2", fmt.Sprintf("%s%d", col, len(rows)+1), amount); err != nil {
				return err
			}
		}
	}
	return f.Write(w)
}

// cellText renders a value for CSV. Amounts carry two decimals.
func cellText(ds *dataset.Dataset, column string, v any) string {
	if record.IsBlank(v) {
		return ""
	}
	if slices.Contains(ds.Amounts, column) {
		if d, ok := record.ParseAmount(v); ok {
			return d.StringFixed(2)
		}
	}
	return record.Canonical(v)
}

// cellValue renders a value for XLSX. Numbers stay numeric.
func cellValue(ds *dataset.Dataset, column string, v any) any {
	if record.IsBlank(v) {
		return nil
	}
	if slices.Contains(ds.Amounts, column) {
		if d, ok := record.ParseAmount(v); ok {
			return d.Round(2).InexactFloat64()
		}
	}
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return x
	}
	return record.Canonical(v)
}
