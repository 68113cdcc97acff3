package lsp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/arch-stack/scancache/internal/logger"
)

type commentStyle struct {
	prefix string
	suffix string // empty for line comments
}

func (s *Server) textDocumentCodeAction(_ *glsp.Context, params *protocol.CodeActionParams) (any, error) {
	uri := params.TextDocument.URI
	doc, ok := s.documents.Get(uri)
	if !ok {
		return []protocol.CodeAction{}, nil
	}

	var actions []protocol.CodeAction
	var tracked map[string]struct{}
	for _, diag := range params.Context.Diagnostics {
		if diag.Source == nil || *diag.Source != diagnosticSource {
			continue
		}
		actions = append(actions, createIgnoreAction(uri, diag, doc.Content))
		if id, ok := diagnosticFindingID(diag); ok {
			if tracked == nil {
				tracked = s.openSessionFindings()
			}
			if _, ok := tracked[id]; ok {
				actions = append(actions, createMarkFixedAction(diag, id))
			}
		}
	}
	return actions, nil
}

// openSessionFindings returns the ids of the editor session's open
// findings. Buffer findings not yet recorded by a save or workspace scan
// cannot be marked fixed.
func (s *Server) openSessionFindings() map[string]struct{} {
	ids := make(map[string]struct{})
	engine, _ := s.components()
	if engine == nil {
		return ids
	}
	sess, err := engine.Ledger().Load(context.Background(), s.Settings().SessionKey)
	if err != nil {
		logger.L.WithError(err).Warn("failed to load session for code actions")
		return ids
	}
	if sess == nil {
		return ids
	}
	for _, f := range sess.Findings {
		if !f.Fixed {
			ids[f.ID] = struct{}{}
		}
	}
	return ids
}

// createIgnoreAction appends a gitleaks:allow comment to the flagged line.
func createIgnoreAction(uri protocol.DocumentUri, diag protocol.Diagnostic, content string) protocol.CodeAction {
	line := diag.Range.Start.Line

	lines := strings.Split(content, "\n")
	var lineContent string
	if int(line) < len(lines) {
		lineContent = lines[line]
	}

	style := getCommentSyntax(uri)
	comment := fmt.Sprintf(" %s gitleaks:allow", style.prefix)
	if style.suffix != "" {
		comment += " " + style.suffix
	}

	eol := protocol.Position{Line: line, Character: uint32(len(lineContent))}
	kind := protocol.CodeActionKindQuickFix
	return protocol.CodeAction{
		Title: "Ignore this secret (add gitleaks:allow comment)",
		Kind:  &kind,
		Edit: &protocol.WorkspaceEdit{
			Changes: map[protocol.DocumentUri][]protocol.TextEdit{
				uri: {{Range: protocol.Range{Start: eol, End: eol}, NewText: comment}},
			},
		},
		Diagnostics: []protocol.Diagnostic{diag},
	}
}

// createMarkFixedAction records the finding as fixed in the session.
func createMarkFixedAction(diag protocol.Diagnostic, findingID string) protocol.CodeAction {
	kind := protocol.CodeActionKindQuickFix
	return protocol.CodeAction{
		Title:       "Mark finding fixed",
		Kind:        &kind,
		Diagnostics: []protocol.Diagnostic{diag},
		Command: &protocol.Command{
			Title:     "Mark finding fixed",
			Command:   CommandMarkFixed,
			Arguments: []any{findingID},
		},
	}
}

func getCommentSyntax(filename string) commentStyle {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".go", ".rs", ".java", ".js", ".ts", ".jsx", ".tsx", ".c", ".cpp", ".cc", ".h", ".hpp",
		".cs", ".swift", ".kt", ".scala", ".dart", ".php":
		return commentStyle{prefix: "//"}
	case ".py", ".rb", ".sh", ".bash", ".zsh", ".fish", ".pl", ".yaml", ".yml", ".toml",
		".conf", ".cfg", ".ini", ".env", ".r", ".jl":
		return commentStyle{prefix: "#"}
	case ".lua", ".sql", ".hs", ".elm":
		return commentStyle{prefix: "--"}
	case ".lisp", ".el", ".clj", ".scm":
		return commentStyle{prefix: ";"}
	case ".vim":
		return commentStyle{prefix: "\""}
	case ".html", ".htm", ".xml", ".svg":
		return commentStyle{prefix: "<!--", suffix: "-->"}
	case ".css", ".scss", ".sass", ".less":
		return commentStyle{prefix: "/*", suffix: "*/"}
	default:
		return commentStyle{prefix: "//"}
	}
}
