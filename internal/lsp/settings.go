package lsp

import (
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/arch-stack/scancache/internal/finding"
)

// Settings are the client-configurable options, sent under the
// "scancache" key of workspace/didChangeConfiguration.
type Settings struct {
	// DiagnosticSeverity forces one severity for every diagnostic. Valid
	// values: "error", "warning", "information", "hint". Empty derives it
	// from the finding's tier.
	DiagnosticSeverity string `json:"diagnosticSeverity"`
	// SessionKey is the remediation session editor scans report into.
	SessionKey string `json:"sessionKey"`
}

// DefaultSessionKey is used until the client configures another.
const DefaultSessionKey = "editor"

func DefaultSettings() Settings {
	return Settings{SessionKey: DefaultSessionKey}
}

// Severity returns the diagnostic severity for a finding of tier sev.
func (s Settings) Severity(sev finding.Severity) protocol.DiagnosticSeverity {
	switch s.DiagnosticSeverity {
	case "error":
		return protocol.DiagnosticSeverityError
	case "warning":
		return protocol.DiagnosticSeverityWarning
	case "information":
		return protocol.DiagnosticSeverityInformation
	case "hint":
		return protocol.DiagnosticSeverityHint
	}
	switch sev {
	case finding.Critical, finding.High:
		return protocol.DiagnosticSeverityError
	case finding.Medium:
		return protocol.DiagnosticSeverityWarning
	default:
		return protocol.DiagnosticSeverityInformation
	}
}

// Update applies a client configuration payload.
func (s *Settings) Update(config map[string]any) {
	if config == nil {
		return
	}
	section, ok := config["scancache"].(map[string]any)
	if !ok {
		return
	}
	if severity, ok := section["diagnosticSeverity"].(string); ok {
		s.DiagnosticSeverity = severity
	}
	if key, ok := section["sessionKey"].(string); ok && key != "" {
		s.SessionKey = key
	}
}
