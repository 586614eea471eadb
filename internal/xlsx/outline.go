// Package xlsx exports a report's catalogue as a spreadsheet.
package xlsx

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"reportdesk/internal/models"
)

const sheetName = "目录"

// Outline renders the catalogue tree as one worksheet: numbering, title
// and level per row, with child chapters indented and grouped under
// their parents using worksheet outline levels.
func Outline(reportName string, rows []models.CatalogueRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	if err := f.SetCellValue(sheetName, "A1", reportName); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheetName, "A1", "C1", header); err != nil {
		return nil, err
	}
	for col, title := range map[string]string{"A2": "编号", "B2": "标题", "C2": "层级"} {
		if err := f.SetCellValue(sheetName, col, title); err != nil {
			return nil, err
		}
	}

	for i, row := range rows {
		line := i + 3
		numbering, title := splitCatalogueName(row.CatalogueName)
		cells := []struct {
			col   string
			value any
		}{
			{"A", numbering},
			{"B", strings.Repeat("  ", row.Level-1) + title},
			{"C", row.Level},
		}
		for _, cell := range cells {
			if err := f.SetCellValue(sheetName, fmt.Sprintf("%s%d", cell.col, line), cell.value); err != nil {
				return nil, err
			}
		}
		if row.Level > 1 {
			level := row.Level - 1
			if level > 7 {
				level = 7
			}
			if err := f.SetRowOutlineLevel(sheetName, line, uint8(level)); err != nil {
				return nil, err
			}
		}
	}
	if err := f.SetColWidth(sheetName, "A", "A", 12); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(sheetName, "B", "B", 60); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// splitCatalogueName separates the dotted numbering prefix from the
// chapter title.
func splitCatalogueName(name string) (string, string) {
	numbering, title, found := strings.Cut(name, " ")
	if !found || strings.Trim(numbering, "0123456789.") != "" {
		return "", name
	}
	return numbering, title
}
