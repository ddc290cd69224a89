package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

var exportHeaders = []string{"ID", "Type", "Timestamp", "Device ID", "Detail"}

// ExportXLSX writes one sheet per log to w.
func ExportXLSX(ctx context.Context, w io.Writer, book *Book) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, l := range book.Logs() {
		entries, err := l.ReadAll(ctx)
		if err != nil {
			return err
		}

		sheet := l.Name()
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("create sheet %s: %w", sheet, err)
		}

		if err := f.SetSheetRow(sheet, "A1", &exportHeaders); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		for row, e := range entries {
			detail := ""
			if len(e.Detail) > 0 {
				raw, err := json.Marshal(e.Detail)
				if err != nil {
					return fmt.Errorf("marshal detail: %w", err)
				}
				detail = string(raw)
			}
			cell, err := excelize.CoordinatesToCellName(1, row+2)
			if err != nil {
				return err
			}
			values := []interface{}{e.ID, e.Type, e.Timestamp.Format(time.RFC3339), e.DeviceID, detail}
			if err := f.SetSheetRow(sheet, cell, &values); err != nil {
				return fmt.Errorf("write row %d: %w", row+2, err)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
