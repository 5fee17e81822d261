package app

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/NodePath81/droprate/internal/util"
)

var reportHeaders = []string{"Session", "Kind", "Value", "Mean", "Stdev", "Min", "Max", "Converged"}

// RenderReport writes one row per summarized value.
func RenderReport(w io.Writer, reports []SessionReport) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(reportHeaders)
	table.SetAutoFormatHeaders(false)
	for _, row := range reportRows(reports) {
		table.Append(row)
	}
	table.Render()
}

func reportRows(reports []SessionReport) [][]string {
	var rows [][]string
	for _, report := range reports {
		converged := fmt.Sprintf("%d/%d", report.Converged(), len(report.Repetitions))
		for _, s := range report.Summaries {
			rows = append(rows, []string{
				report.Name,
				report.Kind,
				s.Label,
				util.FormatRate(s.Mean),
				util.FormatRate(s.Stdev),
				util.FormatRate(s.Min),
				util.FormatRate(s.Max),
				converged,
			})
		}
	}
	return rows
}
