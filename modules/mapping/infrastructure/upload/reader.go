// Package upload turns uploaded spreadsheets into reconciler input rows and
// renders dataset templates.
package upload

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/gabriel-vasile/mimetype"
	"github.com/xuri/excelize/v2"

	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
	"github.com/lahari-sy/finmap/modules/mapping/services"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
)

const (
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeXLS  = "application/vnd.ms-excel"
	mimeCSV  = "text/csv"
)

var ErrUnsupportedFormat = errors.New("upload: unsupported file format")

// ParseFormat maps a name such as "xlsx" or ".csv" to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")); f {
	case FormatCSV, FormatXLSX, FormatXLS:
		return f, nil
	case "":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
	}
}

// DetectFormat sniffs the content first and falls back to the file
// extension when the content is ambiguous (plain text, bare zip or OLE
// containers).
func DetectFormat(name string, data []byte) (Format, error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is(mimeXLSX):
		return FormatXLSX, nil
	case mt.Is(mimeXLS):
		return FormatXLS, nil
	case mt.Is(mimeCSV):
		return FormatCSV, nil
	}

	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case ext == ".xlsx" && mt.Is("application/zip"):
		return FormatXLSX, nil
	case ext == ".xls" && mt.Is("application/x-ole-storage"):
		return FormatXLS, nil
	case isText(mt) && (ext == ".csv" || ext == ".txt" || ext == ""):
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, filepath.Base(name), mt.String())
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// Read parses an uploaded file for ds. The first non-blank row is the
// header; blank rows are skipped and every returned row keeps its
// 1-based spreadsheet row number as its position, so the first data row
// under a leading header is row 2.
func Read(name string, data []byte, ds *dataset.Dataset) ([]services.InputRow, error) {
	format, err := DetectFormat(name, data)
	if err != nil {
		return nil, err
	}
	var table [][]string
	switch format {
	case FormatXLSX:
		table, err = readXLSX(data)
	case FormatXLS:
		table, err = readXLS(data)
	default:
		table, err = readCSV(data)
	}
	if err != nil {
		return nil, fmt.Errorf("upload: read %s: %w", format, err)
	}
	return toInputRows(table, ds)
}

// readCSV pads the lines the csv package skips so that a record's index
// is its line number minus one.
func readCSV(data []byte) ([][]string, error) {
	br := stripUTF8BOM(bufio.NewReader(bytes.NewReader(data)))
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var table [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return table, nil
		}
		if err != nil {
			return nil, err
		}
		line, _ := r.FieldPos(0)
		for len(table) < line-1 {
			table = append(table, nil)
		}
		table = append(table, rec)
	}
}

func stripUTF8BOM(r *bufio.Reader) *bufio.Reader {
	b, err := r.Peek(3)
	if err == nil && len(b) == 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = r.Discard(3)
	}
	return r
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheet, excelize.Options{RawCellValue: true})
}

func readXLS(data []byte) (rows [][]string, err error) {
	// The BIFF decoder panics on some truncated files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt xls file: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, err
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, errors.New("workbook has no sheets")
	}
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for c := 0; c < row.LastCol(); c++ {
			cells = append(cells, row.Col(c))
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func toInputRows(table [][]string, ds *dataset.Dataset) ([]services.InputRow, error) {
	header, start := headerOf(table)
	if header == nil {
		return nil, &services.InputError{Msg: "file has no header row"}
	}
	if err := requireHeader(header, services.RequiredColumns(ds)); err != nil {
		return nil, err
	}

	var out []services.InputRow
	for i := start + 1; i < len(table); i++ {
		cells := table[i]
		if isEmptyRow(cells) {
			continue
		}
		values := make(map[string]any, len(header))
		for c, name := range header {
			if name == "" {
				continue
			}
			v := ""
			if c < len(cells) {
				v = cells[c]
			}
			values[name] = v
		}
		out = append(out, services.InputRow{Position: i + 1, Values: values})
	}
	return out, nil
}

// headerOf returns the first non-blank row, trimmed, and its index.
func headerOf(table [][]string) ([]string, int) {
	for i, row := range table {
		if isEmptyRow(row) {
			continue
		}
		h := make([]string, len(row))
		for j, name := range row {
			h[j] = strings.TrimSpace(name)
		}
		return h, i
	}
	return nil, -1
}

func requireHeader(header, required []string) error {
	seen := make(map[string]struct{}, len(header))
	for _, h := range header {
		if h == "" {
			continue
		}
		if !utf8.ValidString(h) {
			return &services.InputError{Msg: "invalid header encoding"}
		}
		if _, dup := seen[h]; dup {
			return &services.InputError{Msg: "duplicate header column: " + h}
		}
		seen[h] = struct{}{}
	}
	var missing []string
	for _, req := range required {
		if _, ok := seen[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return &services.InputError{Msg: "missing required columns: " + strings.Join(missing, ", ")}
	}
	return nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// ReadAll drains r up to limit bytes. It fails rather than truncating.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &services.InputError{Msg: fmt.Sprintf("file exceeds %d bytes", limit)}
	}
	return data, nil
}
