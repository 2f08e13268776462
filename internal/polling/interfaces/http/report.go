package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	polling "fleet-link/internal/polling/domain"
)

// BuildConnectionReportPDF renders the engine state and recent runs.
func BuildConnectionReportPDF(state polling.State, history []polling.RunResult, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Fleet Connection Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Polling: %s", runningLabel(state)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Interval: %ds, max retries: %d", state.IntervalSeconds, state.MaxRetries))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Consecutive errors: %d", state.ConsecutiveErrors))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total runs: %d", state.TotalRuns))
	pdf.Ln(5)
	if state.LastError != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Last error: %s", truncate(state.LastError, 90)))
		pdf.Ln(5)
	}

	succeeded, failed, offline := 0, 0, 0
	for _, run := range history {
		switch {
		case run.Offline:
			offline++
		case run.Succeeded():
			succeeded++
		default:
			failed++
		}
	}
	pdf.Ln(4)
	pdf.Cell(0, 6, fmt.Sprintf("Recent runs: %d ok, %d failed, %d offline", succeeded, failed, offline))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(40, 6, "Started", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Trigger", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Took (ms)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(18, 6, "Fetched", "1", 0, "C", false, 0, "")
	pdf.CellFormat(18, 6, "Applied", "1", 0, "C", false, 0, "")
	pdf.CellFormat(64, 6, "Result", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for i := len(history) - 1; i >= 0; i-- {
		run := history[i]
		pdf.CellFormat(40, 6, run.StartedAt.UTC().Format("2006-01-02 15:04:05"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, string(run.Trigger), "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", run.Duration.Milliseconds()), "1", 0, "R", false, 0, "")
		pdf.CellFormat(18, 6, fmt.Sprintf("%d", run.Fetched), "1", 0, "R", false, 0, "")
		pdf.CellFormat(18, 6, fmt.Sprintf("%d", run.Applied), "1", 0, "R", false, 0, "")
		pdf.CellFormat(64, 6, truncate(runLabel(run), 40), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func runningLabel(state polling.State) string {
	switch {
	case state.IsRunning:
		return "running"
	case state.CircuitOpen:
		return "stopped (circuit open)"
	default:
		return "stopped"
	}
}

func runLabel(run polling.RunResult) string {
	switch {
	case run.Offline:
		return "offline"
	case run.Error != "":
		return run.Error
	default:
		return "ok"
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max-3] + "..."
}
