package httpapi

import (
	"bytes"
	"fmt"

	"mlink-tracker/internal/models"

	"github.com/xuri/excelize/v2"
)

// TrailExportHeader 轨迹导出表头
var TrailExportHeader = []string{
	"Time (UTC)",
	"Heart Rate",
	"Battery",
	"Latitude",
	"Longitude",
	"Altitude",
	"SOS",
}

var trailColumnWidths = []float64{22, 12, 10, 14, 14, 12, 8}

// GenerateTrailWorkbook 生成设备轨迹 Excel，rows 为空时只有表头
func GenerateTrailWorkbook(deviceID string, rows []models.HistoryRecord) ([]byte, error) {
	f := excelize.NewFile()

	sheetName := "Trail"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range TrailExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheetName, name, name, trailColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, rec := range rows {
		row := i + 2
		values := []interface{}{
			rec.Timestamp.UTC().Format("2006-01-02 15:04:05.000"),
			derefInt(rec.HeartRate),
			derefInt(rec.Battery),
			derefFloat(rec.Latitude),
			derefFloat(rec.Longitude),
			derefFloat(rec.Altitude),
			sosLabel(rec.SOS),
		}
		for col, v := range values {
			if v == nil {
				continue
			}
			if err := setCellValue(f, sheetName, col+1, row, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}
	if err := f.SetDocProps(&excelize.DocProperties{Title: deviceID + " trail"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set doc props: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func setCellValue(f *excelize.File, sheet string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}

func derefInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func derefFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func sosLabel(v *bool) interface{} {
	if v == nil {
		return nil
	}
	if *v {
		return "Yes"
	}
	return "No"
}
