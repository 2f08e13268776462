package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	positions "fleet-link/internal/positions/domain"
	"fleet-link/internal/positions/infrastructure/memory"
)

// BuildPositionsXLSX renders the cached positions as a spreadsheet with a
// summary sheet of staleness counts.
func BuildPositionsXLSX(entries []memory.Entry, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	positionsSheet := "positions"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(positionsSheet); err != nil {
		return nil, err
	}

	counts := map[positions.Staleness]int{}
	for _, entry := range entries {
		counts[entry.Staleness]++
	}
	_ = f.SetCellValue(summarySheet, "A1", "Fleet Positions")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generatedAt.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Entities")
	_ = f.SetCellValue(summarySheet, "B4", len(entries))
	_ = f.SetCellValue(summarySheet, "A5", "Fresh")
	_ = f.SetCellValue(summarySheet, "B5", counts[positions.StalenessFresh])
	_ = f.SetCellValue(summarySheet, "A6", "Idle")
	_ = f.SetCellValue(summarySheet, "B6", counts[positions.StalenessIdle])
	_ = f.SetCellValue(summarySheet, "A7", "Stale")
	_ = f.SetCellValue(summarySheet, "B7", counts[positions.StalenessStale])

	headers := []string{"Entity", "Latitude", "Longitude", "Speed", "Course", "Moving", "Captured", "Received", "Staleness"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(positionsSheet, cell, header)
	}
	for i, entry := range entries {
		row := i + 2
		p := entry.Position
		_ = f.SetCellValue(positionsSheet, fmt.Sprintf("A%d", row), p.EntityID)
		_ = f.SetCellValue(positionsSheet, fmt.Sprintf("B%d", row), p.Latitude)
		_ = f.SetCellValue(positionsSheet, fmt.Sprintf("C%d", row), p.Longitude)
		_ = f.SetCellValue(positionsSheet, fmt.Sprintf("D%d", row), p.Speed)
		_ = f.SetCellValue(positionsSheet, fmt.Sprintf("E%d", row), p.Course)
		_ = f.SetCellValue(positionsSheet, fmt.Sprintf("F%d", row), p.Moving)
		_ = f.SetCellValue(positionsSheet, fmt.Sprintf("G%d", row), p.CapturedAt.Format(time.RFC3339))
		_ = f.SetCellValue(positionsSheet, fmt.Sprintf("H%d", row), p.ReceivedAt.Format(time.RFC3339))
		_ = f.SetCellValue(positionsSheet, fmt.Sprintf("I%d", row), string(entry.Staleness))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
