package lsp

import (
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/arch-stack/scancache/internal/finding"
)

const diagnosticSource = "gitleaks"

// findingsToDiagnostics converts findings in order, so diagnostics[i]
// describes findings[i].
func findingsToDiagnostics(settings Settings, findings []finding.Finding) []protocol.Diagnostic {
	diagnostics := make([]protocol.Diagnostic, 0, len(findings))
	for _, f := range findings {
		diagnostics = append(diagnostics, findingToDiagnostic(settings, f))
	}
	return diagnostics
}

// findingToDiagnostic maps a finding onto an LSP diagnostic. The finding ID
// travels in Data so code actions can mark it fixed.
func findingToDiagnostic(settings Settings, f finding.Finding) protocol.Diagnostic {
	severity := settings.Severity(f.Severity)
	source := diagnosticSource

	loc := f.Location
	end := protocol.Position{Line: uint32(loc.EndLine), Character: uint32(loc.EndColumn)}
	if loc.EndLine < loc.Line || (loc.EndLine == 0 && loc.EndColumn == 0) {
		end = protocol.Position{Line: uint32(loc.Line), Character: uint32(loc.Column)}
	}

	d := protocol.Diagnostic{
		Range: protocol.Range{
			Start: protocol.Position{Line: uint32(loc.Line), Character: uint32(loc.Column)},
			End:   end,
		},
		Severity: &severity,
		Source:   &source,
		Message:  f.Description,
		Data:     f.ID,
	}
	if f.Rule != "" {
		d.Code = &protocol.IntegerOrString{Value: f.Rule}
	}
	return d
}

// diagnosticFindingID extracts the finding ID from a diagnostic sent back
// by the client.
func diagnosticFindingID(d protocol.Diagnostic) (string, bool) {
	id, ok := d.Data.(string)
	return id, ok && id != ""
}
