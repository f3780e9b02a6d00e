package exporter

import (
	"fmt"
	"io"
)

// Write encodes the reports in the given format
func Write(w io.Writer, format Format, reports ...Report) error {
	switch format {
	case FormatCSV:
		return WriteReportCSV(w, reports...)
	case FormatXLSX:
		return WriteReportXLSX(w, reports...)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
