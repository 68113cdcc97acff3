package lsp

import (
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// ProgressReporter sends $/progress notifications for one operation.
type ProgressReporter struct {
	ctx   *glsp.Context
	token protocol.ProgressToken
}

func NewProgressReporter(ctx *glsp.Context, title string) *ProgressReporter {
	token := protocol.ProgressToken{Value: "scancache-scan"}
	ctx.Notify(protocol.MethodProgress, protocol.ProgressParams{
		Token: token,
		Value: protocol.WorkDoneProgressBegin{Kind: "begin", Title: title},
	})
	return &ProgressReporter{ctx: ctx, token: token}
}

func (p *ProgressReporter) Report(message string, percentage uint32) {
	p.ctx.Notify(protocol.MethodProgress, protocol.ProgressParams{
		Token: p.token,
		Value: protocol.WorkDoneProgressReport{Kind: "report", Message: &message, Percentage: &percentage},
	})
}

func (p *ProgressReporter) End(message string) {
	p.ctx.Notify(protocol.MethodProgress, protocol.ProgressParams{
		Token: p.token,
		Value: protocol.WorkDoneProgressEnd{Kind: "end", Message: &message},
	})
}
