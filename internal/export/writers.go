package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/pingsantohq/readiness/pkg/types"
)

// WriteCSV renders the title and device rows, a blank row, then one row per result.
func WriteCSV(w io.Writer, r types.Results) error {
	cw := csv.NewWriter(w)
	records := [][]string{
		{reportTitle},
		{deviceLine(r.Meta)},
		{},
		{"Section", "Target", "Status", "Notes"},
	}
	for _, row := range Rows(r) {
		records = append(records, []string{row.Section, row.Target, row.Status, row.Notes})
	}
	if err := cw.WriteAll(records); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func WriteJSON(w io.Writer, r types.Results) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WritePDF renders a single-column A4 report.
func WritePDF(w io.Writer, r types.Results) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(reportTitle, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, reportTitle, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.Ln(4)
	pdf.MultiCell(0, 7, tr(deviceLine(r.Meta)), "", "L", false)
	pdf.Ln(2)

	widths := []float64{26, 52, 16, 96}
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range []string{"Section", "Target", "Status", "Notes"} {
		pdf.CellFormat(widths[i], 7, h, "B", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, row := range Rows(r) {
		notes := strings.Join(strings.Fields(row.Notes), " ")
		x, y := pdf.GetXY()
		pdf.CellFormat(widths[0], 6, tr(row.Section), "", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, tr(truncate(row.Target, 34)), "", 0, "L", false, 0, "")
		pdf.SetTextColor(statusColor(row.Status))
		pdf.CellFormat(widths[2], 6, tr(row.Status), "", 0, "L", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
		pdf.SetXY(x+widths[0]+widths[1]+widths[2], y)
		pdf.MultiCell(widths[3], 6, tr(notes), "", "L", false)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func statusColor(status string) (int, int, int) {
	switch types.Status(status) {
	case types.StatusPass:
		return 22, 128, 61
	case types.StatusWarn:
		return 180, 120, 0
	case types.StatusFail:
		return 185, 28, 28
	default:
		return 0, 0, 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
