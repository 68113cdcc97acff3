package lsp

import (
	"fmt"
	"strings"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/arch-stack/scancache/internal/finding"
)

func (s *Server) textDocumentHover(_ *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	doc, ok := s.documents.Get(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	var hit *finding.Finding
	for i, diag := range doc.Diagnostics {
		if positionInRange(params.Position, diag.Range) && i < len(doc.Findings) {
			hit = &doc.Findings[i]
			break
		}
	}
	if hit == nil {
		return nil, nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: formatHoverContent(*hit, s.Settings().SessionKey),
		},
	}, nil
}

// positionInRange reports whether pos lies within rng, ends included.
func positionInRange(pos protocol.Position, rng protocol.Range) bool {
	if pos.Line < rng.Start.Line || (pos.Line == rng.Start.Line && pos.Character < rng.Start.Character) {
		return false
	}
	if pos.Line > rng.End.Line || (pos.Line == rng.End.Line && pos.Character > rng.End.Character) {
		return false
	}
	return true
}

func formatHoverContent(f finding.Finding, sessionKey string) string {
	var sb strings.Builder

	title := f.Rule
	if title == "" {
		title = f.Severity.String()
	}
	fmt.Fprintf(&sb, "# %s finding: %s\n\n", strings.ToUpper(f.Severity.String()), title)
	fmt.Fprintf(&sb, "**Description**: %s\n\n", f.Description)

	sb.WriteString("## Details\n\n")
	if f.Rule != "" {
		fmt.Fprintf(&sb, "- **Rule ID**: `%s`\n", f.Rule)
	}
	fmt.Fprintf(&sb, "- **Location**: `%s`, column %d\n", f.Location, f.Location.Column+1)
	fmt.Fprintf(&sb, "- **Finding ID**: `%s`\n", f.ID)
	fmt.Fprintf(&sb, "- **Session**: `%s`\n\n", sessionKey)

	sb.WriteString("## Next steps\n\n")
	sb.WriteString("1. **Remove the secret** from the code and rotate it if it was committed\n")
	sb.WriteString("2. Run **Mark finding fixed** once it is handled elsewhere\n")
	sb.WriteString("3. If this is a false positive, add `gitleaks:allow` on the line or list it in `.gitleaksignore`:\n\n")
	fmt.Fprintf(&sb, "```\n%s:%s:%d\n```\n", f.Location.File, f.Rule, f.Location.Line)

	return sb.String()
}
