// Package exporter writes the entitlement report, a one-row summary of the
// session and the stored license, as CSV or as an Excel workbook.
//
// Example usage:
//
//	report := exporter.NewReport(manager.Snapshot(), record, time.Now())
//	err := exporter.Write(w, exporter.FormatXLSX, report)
package exporter
