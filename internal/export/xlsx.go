// Package export renders job rows as downloadable workbooks.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/extraction-jobs/internal/jobs"
)

// SheetName is the worksheet the rows are written to.
const SheetName = "data"

// ContentType is the media type of RowsXLSX output.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RowsXLSX writes rows into a single-sheet workbook. The header follows
// jobs.InferSchema so columns match the schema reported on completion; keys
// missing from later rows are left blank and keys absent from the first row
// are not exported.
func RowsXLSX(rows []jobs.Row) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	schema := jobs.InferSchema(rows)
	for col, field := range schema {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(SheetName, cell, field.Name); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	for r, row := range rows {
		for col, field := range schema {
			v, ok := row[field.Name]
			if !ok || v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(SheetName, cell, cellValue(v)); err != nil {
				return nil, fmt.Errorf("write row %d: %w", r+1, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// cellValue keeps scalars native and flattens nested values to JSON text.
func cellValue(v any) any {
	switch val := v.(type) {
	case string, bool, float64, float32, int, int32, int64:
		return val
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
