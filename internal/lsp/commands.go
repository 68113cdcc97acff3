package lsp

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/arch-stack/scancache/internal/analysis"
	"github.com/arch-stack/scancache/internal/finding"
	"github.com/arch-stack/scancache/internal/logger"
	"github.com/arch-stack/scancache/internal/report"
	"github.com/arch-stack/scancache/internal/scope"
)

const (
	CommandScanWorkspace = "scancache.scanWorkspace"
	CommandMarkFixed     = "scancache.markFixed"
	CommandSessionStatus = "scancache.sessionStatus"
)

var errNotInitialized = errors.New("server not initialized")

// WorkspaceScanResult is the outcome of a workspace scan.
type WorkspaceScanResult struct {
	TotalFiles    int
	TotalFindings int
	FromCache     bool
	// Findings groups findings by document URI.
	Findings map[protocol.DocumentUri][]finding.Finding
	Report   report.Report
}

// ScanWorkspace analyzes the whole repository through the cache and
// reports the result into the editor session.
func (s *Server) ScanWorkspace(ctx context.Context, progress *ProgressReporter) (*WorkspaceScanResult, error) {
	engine, scanner := s.components()
	if engine == nil {
		return nil, errNotInitialized
	}

	sc, err := engine.ResolveScope(ctx, Namespace, scope.Request{Mode: scope.ModeFull})
	if err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("root", sc.Root).WithField("files", len(sc.Members)).Info("starting workspace scan")
	if progress != nil {
		progress.Report(fmt.Sprintf("Scanning %d files", len(sc.Members)), 0)
	}

	res, err := engine.GetOrCompute(ctx, sc, analysis.CacheConfig{Namespace: Namespace}, scanner)
	if err != nil {
		return nil, err
	}
	rep, err := engine.Report(ctx, analysis.ReportRequest{
		SessionKey: s.Settings().SessionKey,
		Namespace:  Namespace,
		Findings:   res.Findings,
		Verbosity:  report.All,
		Scope:      &sc,
		FromCache:  res.FromCache,
	})
	if err != nil {
		return nil, err
	}

	result := &WorkspaceScanResult{
		TotalFiles:    len(sc.Members),
		TotalFindings: len(res.Findings),
		FromCache:     res.FromCache,
		Findings:      make(map[protocol.DocumentUri][]finding.Finding),
		Report:        rep,
	}
	for _, f := range res.Findings {
		uri := pathToURI(filepath.Join(sc.Root, filepath.FromSlash(f.Location.File)))
		result.Findings[uri] = append(result.Findings[uri], f)
	}

	logger.G(ctx).WithField("findings", result.TotalFindings).WithField("fromCache", result.FromCache).Info("workspace scan complete")
	return result, nil
}

// PublishWorkspaceFindings publishes diagnostics for every file with
// findings and clears files that no longer have any.
func (s *Server) PublishWorkspaceFindings(ctx *glsp.Context, result *WorkspaceScanResult) {
	settings := s.Settings()

	s.mu.RLock()
	var stale []protocol.DocumentUri
	for uri := range s.published {
		if _, ok := result.Findings[uri]; !ok {
			stale = append(stale, uri)
		}
	}
	s.mu.RUnlock()
	sort.Strings(stale)

	for _, uri := range stale {
		if _, open := s.documents.Get(uri); open {
			continue
		}
		s.publish(ctx, uri, []protocol.Diagnostic{})
	}
	for uri, findings := range result.Findings {
		s.publish(ctx, uri, findingsToDiagnostics(settings, findings))
	}
}

func (s *Server) executeCommand(ctx *glsp.Context, params *protocol.ExecuteCommandParams) (any, error) {
	switch params.Command {
	case CommandScanWorkspace:
		return s.handleScanWorkspace(ctx)
	case CommandMarkFixed:
		return s.handleMarkFixed(params.Arguments)
	case CommandSessionStatus:
		return s.handleSessionStatus()
	default:
		logger.L.WithField("command", params.Command).Warn("unknown command")
		return nil, nil
	}
}

func (s *Server) handleScanWorkspace(ctx *glsp.Context) (any, error) {
	progress := NewProgressReporter(ctx, "Scanning workspace for secrets")

	result, err := s.ScanWorkspace(context.Background(), progress)
	if err != nil {
		progress.End("Scan failed")
		logger.L.WithError(err).Error("workspace scan failed")
		return nil, err
	}
	progress.End(fmt.Sprintf("Found %d secrets in %d files", result.TotalFindings, len(result.Findings)))
	s.PublishWorkspaceFindings(ctx, result)

	return map[string]any{
		"totalFiles":        result.TotalFiles,
		"totalFindings":     result.TotalFindings,
		"filesWithFindings": len(result.Findings),
		"fromCache":         result.FromCache,
		"fixed":             result.Report.Progress.Fixed,
		"remaining":         result.Report.Progress.Remaining,
	}, nil
}

func (s *Server) handleMarkFixed(args []any) (any, error) {
	engine, _ := s.components()
	if engine == nil {
		return nil, errNotInitialized
	}
	if len(args) != 1 {
		return nil, errors.Errorf("%s expects one finding id, got %d arguments", CommandMarkFixed, len(args))
	}
	id, ok := args[0].(string)
	if !ok || id == "" {
		return nil, errors.Errorf("%s expects a finding id string", CommandMarkFixed)
	}

	key := s.Settings().SessionKey
	sess, err := engine.Ledger().MarkFixed(context.Background(), key, id)
	if err != nil {
		return nil, err
	}
	st := sess.Status()
	return map[string]any{
		"session":   st.Key,
		"total":     st.Total,
		"fixed":     st.Fixed,
		"remaining": len(st.Remaining),
	}, nil
}

func (s *Server) handleSessionStatus() (any, error) {
	engine, _ := s.components()
	if engine == nil {
		return nil, errNotInitialized
	}
	return engine.SessionStatus(context.Background(), s.Settings().SessionKey)
}
