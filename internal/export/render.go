package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "json" (the default for "") and "xlsx".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: unsupported format %q", ErrInvalid, s)
}

// ContentType returns the MIME type of the rendered format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// FileName suggests a download name for doc in format f.
func FileName(doc Document, f Format) string {
	return fmt.Sprintf("%s_%s_%s.%s", doc.Kind, doc.From, doc.To, f)
}

// Render writes doc to w in format f.
func Render(w io.Writer, doc Document, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatXLSX:
		return renderXLSX(w, doc)
	}
	return fmt.Errorf("%w: unsupported format %q", ErrInvalid, f)
}

// renderXLSX writes one sheet per section with a bold header row.
func renderXLSX(w io.Writer, doc Document) error {
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}

	for i, sec := range doc.Sections {
		sheet := sheetName(sec.Title)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return fmt.Errorf("xlsx sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("xlsx sheet: %w", err)
		}

		for col, h := range sec.Headers {
			cell, _ := excelize.CoordinatesToCellName(col+1, 1)
			_ = f.SetCellValue(sheet, cell, h)
		}
		if n := len(sec.Headers); n > 0 {
			last, _ := excelize.CoordinatesToCellName(n, 1)
			_ = f.SetCellStyle(sheet, "A1", last, bold)
			lastCol, _ := excelize.ColumnNumberToName(n)
			_ = f.SetColWidth(sheet, "A", lastCol, 22)
		}
		for r, row := range sec.Rows {
			for col, v := range row {
				cell, _ := excelize.CoordinatesToCellName(col+1, r+2)
				_ = f.SetCellValue(sheet, cell, v)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// sheetName trims a title to the 31 characters a sheet name may hold.
func sheetName(title string) string {
	if len(title) > 31 {
		return title[:31]
	}
	return title
}
