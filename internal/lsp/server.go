// Package lsp serves secret findings to editors over the Language Server
// Protocol. Open buffers are scanned in memory; workspace scans go through
// the analysis cache and report into a remediation session.
package lsp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"

	"github.com/arch-stack/scancache/internal/analysis"
	"github.com/arch-stack/scancache/internal/config"
	"github.com/arch-stack/scancache/internal/logger"
	"github.com/arch-stack/scancache/internal/report"
	"github.com/arch-stack/scancache/internal/scope"
	"github.com/arch-stack/scancache/internal/secrets"
	"github.com/arch-stack/scancache/internal/watch"

	_ "github.com/tliron/commonlog/simple"
)

const (
	Name = "scancache-ls"
	// Namespace is the cache namespace editor scans use.
	Namespace = secrets.Namespace
)

// Version is reported to clients in serverInfo.
var Version = "0.1.0"

// Server holds the language server state. Everything that depends on the
// workspace root is created in initialize.
type Server struct {
	handler   protocol.Handler
	documents *DocumentStore
	memo      *Memo

	mu        sync.RWMutex
	root      string
	settings  Settings
	engine    *analysis.Engine
	scanner   *secrets.Scanner
	published map[protocol.DocumentUri]struct{}
	cancel    context.CancelFunc
}

// NewServer creates a server ready to be run.
func NewServer() *Server {
	s := &Server{
		documents: NewDocumentStore(),
		memo:      NewMemo(DefaultMemoEntries),
		settings:  DefaultSettings(),
		published: make(map[protocol.DocumentUri]struct{}),
	}
	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidSave:   s.textDocumentDidSave,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentHover:      s.textDocumentHover,
		TextDocumentCodeAction: s.textDocumentCodeAction,

		WorkspaceExecuteCommand:         s.executeCommand,
		WorkspaceDidChangeConfiguration: s.didChangeConfiguration,
	}
	return s
}

// RunStdio serves the protocol over stdin and stdout until the client
// disconnects. verbosity configures the protocol library's own logging.
func (s *Server) RunStdio(verbosity int) error {
	commonlog.Configure(verbosity, nil)
	logger.L.WithField("version", Version).Info("starting scancache language server")
	return server.NewServer(&s.handler, Name, false).RunStdio()
}

// Settings returns the current client settings.
func (s *Server) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Server) components() (*analysis.Engine, *secrets.Scanner) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine, s.scanner
}

// Setup loads configuration for root and starts the config and repository
// watchers.
func (s *Server) Setup(root string) error {
	cfg, err := config.NewConfig(root, nil, s.reload)
	if err != nil {
		return err
	}
	scanner, err := secrets.NewScannerForRoot(root)
	if err != nil {
		return err
	}
	engine := analysis.New(cfg.Settings())

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.root = root
	s.engine = engine
	s.scanner = scanner
	s.cancel = cancel
	s.mu.Unlock()

	if err := cfg.Watch(ctx); err != nil {
		logger.L.WithError(err).Error("failed to watch config")
	}

	w, err := watch.New(engine.Cache(), cfg.Settings())
	if err != nil {
		logger.L.WithError(err).Error("failed to create repository watcher")
		return nil
	}
	w.OnEvent = func(ev watch.Event) {
		for _, ns := range ev.Namespaces {
			if ns == Namespace {
				s.reloadScanner()
				return
			}
		}
	}
	go func() {
		if err := w.Run(ctx, nil); err != nil {
			logger.L.WithError(err).Error("repository watcher stopped")
		}
	}()
	return nil
}

// reload swaps in an engine built from new settings.
func (s *Server) reload(settings *config.Settings) {
	logger.L.Info("reloading configuration, clearing memo")
	s.mu.Lock()
	s.engine = analysis.New(settings)
	s.mu.Unlock()
	s.memo.Clear()
}

// reloadScanner re-reads the gitleaks rules and ignore file.
func (s *Server) reloadScanner() {
	s.mu.RLock()
	root := s.root
	s.mu.RUnlock()

	scanner, err := secrets.NewScannerForRoot(root)
	if err != nil {
		logger.L.WithError(err).Error("failed to reload secret rules")
		return
	}
	logger.L.Info("secret rules changed, clearing memo")
	s.mu.Lock()
	s.scanner = scanner
	s.mu.Unlock()
	s.memo.Clear()
}

// relPath maps a document URI onto a root-relative slash path when the
// document lives inside the workspace.
func (s *Server) relPath(uri protocol.DocumentUri) string {
	p, _ := s.workspacePath(uri)
	return p
}

// workspacePath is relPath that also reports whether the document is
// inside the workspace root.
func (s *Server) workspacePath(uri protocol.DocumentUri) (string, bool) {
	p := uriToPath(uri)
	s.mu.RLock()
	root := s.root
	s.mu.RUnlock()
	if root != "" {
		if rel, err := filepath.Rel(root, p); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel), true
		}
	}
	return filepath.ToSlash(p), false
}

func (s *Server) initialize(_ *glsp.Context, params *protocol.InitializeParams) (any, error) {
	capabilities := s.handler.CreateServerCapabilities()
	capabilities.TextDocumentSync = protocol.TextDocumentSyncOptions{
		OpenClose: &[]bool{true}[0],
		Change:    &[]protocol.TextDocumentSyncKind{protocol.TextDocumentSyncKindFull}[0],
		Save: &protocol.SaveOptions{
			IncludeText: &[]bool{true}[0],
		},
	}
	capabilities.HoverProvider = true
	capabilities.CodeActionProvider = true
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: []string{CommandScanWorkspace, CommandMarkFixed, CommandSessionStatus},
	}

	clientName, clientVersion := "unknown", "unknown"
	if params.ClientInfo != nil {
		clientName = params.ClientInfo.Name
		if params.ClientInfo.Version != nil {
			clientVersion = *params.ClientInfo.Version
		}
	}
	logger.L.WithField("clientName", clientName).WithField("clientVersion", clientVersion).Info("initialized")

	root := ""
	if params.RootPath != nil {
		root = *params.RootPath
	} else if params.RootURI != nil {
		root = uriToPath(*params.RootURI)
	}
	if opts, ok := params.InitializationOptions.(map[string]any); ok {
		s.mu.Lock()
		s.settings.Update(opts)
		s.mu.Unlock()
	}

	if err := s.Setup(root); err != nil {
		logger.L.WithError(err).Error("failed to set up server")
		return nil, err
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    Name,
			Version: &Version,
		},
	}, nil
}

func (s *Server) initialized(_ *glsp.Context, _ *protocol.InitializedParams) error {
	logger.L.Info("client confirmed initialization")
	return nil
}

func (s *Server) shutdown(_ *glsp.Context) error {
	logger.L.Info("shutting down")
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	protocol.SetTraceValue(protocol.TraceValueOff)
	return nil
}

func (s *Server) setTrace(_ *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

func (s *Server) didChangeConfiguration(ctx *glsp.Context, params *protocol.DidChangeConfigurationParams) error {
	cfg, ok := params.Settings.(map[string]any)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.settings.Update(cfg)
	s.mu.Unlock()

	// Severity may have changed; republish open documents.
	for _, uri := range s.documents.URIs() {
		if doc, ok := s.documents.Get(uri); ok {
			if err := s.scanAndPublish(ctx, uri, doc.Content); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	logger.L.WithField("uri", uri).Debug("document opened")
	s.documents.Set(uri, params.TextDocument.Version, params.TextDocument.Text)
	return s.scanAndPublish(ctx, uri, params.TextDocument.Text)
}

func (s *Server) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI
	// Full sync: the only change carries the whole text.
	if len(params.ContentChanges) == 0 {
		return nil
	}

	var content string
	switch change := params.ContentChanges[0].(type) {
	case protocol.TextDocumentContentChangeEvent:
		content = change.Text
	case protocol.TextDocumentContentChangeEventWhole:
		content = change.Text
	default:
		logger.L.WithField("type", fmt.Sprintf("%T", params.ContentChanges[0])).Error("unexpected content change type")
		return nil
	}

	logger.L.WithField("uri", uri).Debug("document changed")
	s.documents.Set(uri, params.TextDocument.Version, content)
	return s.scanAndPublish(ctx, uri, content)
}

func (s *Server) textDocumentDidSave(ctx *glsp.Context, params *protocol.DidSaveTextDocumentParams) error {
	uri := params.TextDocument.URI
	logger.L.WithField("uri", uri).Debug("document saved")

	var content string
	if params.Text != nil {
		content = *params.Text
	} else {
		doc, ok := s.documents.Get(uri)
		if !ok {
			logger.L.WithField("uri", uri).Warn("document not found in store")
			return nil
		}
		content = doc.Content
	}

	handled, err := s.analyzeSaved(ctx, uri)
	if handled || err != nil {
		return err
	}
	return s.scanAndPublish(ctx, uri, content)
}

// analyzeSaved runs a saved workspace file through the analysis cache and
// reports it into the editor session, so its findings can be marked fixed.
// It returns false when the file cannot be analyzed that way, for example
// because it lies outside the workspace or is ignored.
func (s *Server) analyzeSaved(ctx *glsp.Context, uri protocol.DocumentUri) (bool, error) {
	engine, scanner := s.components()
	if engine == nil || scanner == nil {
		return false, nil
	}
	rel, inside := s.workspacePath(uri)
	if !inside {
		return false, nil
	}

	bg := context.Background()
	sc, err := engine.ResolveScope(bg, Namespace, scope.Request{Mode: scope.ModePath, Path: rel})
	if err != nil || sc.IsEmpty() {
		logger.L.WithField("uri", uri).WithError(err).Debug("saved file not analyzed through the cache")
		return false, nil
	}

	res, err := engine.GetOrCompute(bg, sc, analysis.CacheConfig{Namespace: Namespace}, scanner)
	if err != nil {
		logger.L.WithError(err).WithField("uri", uri).Error("scan failed")
		return true, err
	}
	settings := s.Settings()
	if _, err := engine.Report(bg, analysis.ReportRequest{
		SessionKey: settings.SessionKey,
		Namespace:  Namespace,
		Findings:   res.Findings,
		Verbosity:  report.All,
		Scope:      &sc,
		FromCache:  res.FromCache,
	}); err != nil {
		logger.L.WithError(err).WithField("uri", uri).Error("failed to record findings in session")
		return true, err
	}

	diagnostics := findingsToDiagnostics(settings, res.Findings)
	s.documents.SetResults(uri, diagnostics, res.Findings)
	logger.L.WithField("uri", uri).
		WithField("findings", len(res.Findings)).
		WithField("fromCache", res.FromCache).
		Debug("saved file analyzed")

	s.publish(ctx, uri, diagnostics)
	return true, nil
}

func (s *Server) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI
	logger.L.WithField("uri", uri).Debug("document closed")
	s.documents.Delete(uri)
	s.publish(ctx, uri, []protocol.Diagnostic{})
	return nil
}

// scanAndPublish scans an open buffer, memoizing by content, and publishes
// its diagnostics.
func (s *Server) scanAndPublish(ctx *glsp.Context, uri protocol.DocumentUri, content string) error {
	_, scanner := s.components()
	if scanner == nil {
		return nil
	}
	rel := s.relPath(uri)

	findings, memoHit := s.memo.Get(rel, content)
	if !memoHit {
		var err error
		findings, err = scanner.ScanContent(context.Background(), rel, content)
		if err != nil {
			logger.L.WithError(err).WithField("uri", uri).Error("scan failed")
			return err
		}
		s.memo.Put(rel, content, findings)
	}

	diagnostics := findingsToDiagnostics(s.Settings(), findings)
	s.documents.SetResults(uri, diagnostics, findings)

	logger.L.WithField("uri", uri).
		WithField("findings", len(findings)).
		WithField("memoHit", memoHit).
		Debug("scan complete")

	s.publish(ctx, uri, diagnostics)
	return nil
}

func (s *Server) publish(ctx *glsp.Context, uri protocol.DocumentUri, diagnostics []protocol.Diagnostic) {
	s.mu.Lock()
	if len(diagnostics) > 0 {
		s.published[uri] = struct{}{}
	} else {
		delete(s.published, uri)
	}
	s.mu.Unlock()

	ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}
