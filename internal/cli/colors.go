// Package cli holds helpers shared by the qsign commands.
package cli

import "github.com/remiblancher/qsign/pkg/report"

// ANSI color codes for terminal output.
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
)

// FormatStatus returns a colored status string.
func FormatStatus(status string) string {
	switch status {
	case "valid", "good", "ready":
		return ColorGreen + status + ColorReset
	case "revoked", "invalid", "failed":
		return ColorRed + status + ColorReset
	case "unknown", "starting":
		return ColorYellow + status + ColorReset
	default:
		return status
	}
}

// FormatSeverity returns a colored, fixed-width severity tag.
func FormatSeverity(sev report.Severity) string {
	switch sev {
	case report.SeverityError:
		return ColorRed + "ERROR" + ColorReset
	case report.SeverityWarning:
		return ColorYellow + "WARN " + ColorReset
	default:
		return ColorBlue + "INFO " + ColorReset
	}
}
