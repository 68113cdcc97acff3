// Package analysis is the caller-facing surface: it resolves scopes, serves
// analyzer results from the cache when the inputs are unchanged and renders
// them through the session-aware reporter.
package analysis

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arch-stack/scancache/internal/cache"
	"github.com/arch-stack/scancache/internal/config"
	"github.com/arch-stack/scancache/internal/finding"
	"github.com/arch-stack/scancache/internal/fingerprint"
	"github.com/arch-stack/scancache/internal/logger"
	"github.com/arch-stack/scancache/internal/report"
	"github.com/arch-stack/scancache/internal/scope"
	"github.com/arch-stack/scancache/internal/session"
)

// CacheConfig selects the namespace a result is cached under.
type CacheConfig struct {
	Namespace string
	// TTL overrides the namespace profile when positive.
	TTL time.Duration
	// NoCache skips the lookup and replaces whatever entry exists.
	NoCache bool
}

// Result is the outcome of GetOrCompute.
type Result struct {
	Findings    []finding.Finding
	FromCache   bool
	Fingerprint fingerprint.Digest
}

// Engine owns the cache, session and scope components of one repository.
type Engine struct {
	settings *config.Settings
	store    *fingerprint.Store
	cache    *cache.Manager
	ledger   *session.Ledger
	changes  scope.ChangedFilesProvider
	now      func() time.Time

	mu        sync.Mutex
	resolvers map[string]*scope.Resolver
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used by the cache and the ledger.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithChanges replaces the git-backed changed-files provider.
func WithChanges(p scope.ChangedFilesProvider) Option {
	return func(e *Engine) {
		e.changes = p
	}
}

// New creates an engine for settings.Root.
func New(settings *config.Settings, opts ...Option) *Engine {
	e := &Engine{
		settings:  settings,
		changes:   scope.GitChanges{},
		now:       time.Now,
		resolvers: make(map[string]*scope.Resolver),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.store = fingerprint.NewStore(settings.Root)
	e.cache = cache.NewManager(settings.CacheDir, e.store, cache.WithClock(e.now))
	e.ledger = session.NewLedger(settings.SessionDir, session.WithClock(e.now))
	return e
}

// Settings returns the settings the engine was built with.
func (e *Engine) Settings() *config.Settings {
	return e.settings
}

// Cache returns the cache manager.
func (e *Engine) Cache() *cache.Manager {
	return e.cache
}

// Ledger returns the session ledger.
func (e *Engine) Ledger() *session.Ledger {
	return e.ledger
}

func (e *Engine) resolver(namespace string) (*scope.Resolver, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.resolvers[namespace]; ok {
		return r, nil
	}
	p := e.settings.Profile(namespace)
	elig, err := scope.NewEligibility(e.settings.Root, p.Include, p.Exclude, e.settings.MaxFileBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "profile %s", namespace)
	}
	r := scope.NewResolver(e.settings.Root, elig, e.changes, p.MaxMembers)
	e.resolvers[namespace] = r
	return r, nil
}

// ResolveScope resolves req using the eligibility rules and member cap of
// the namespace profile.
func (e *Engine) ResolveScope(ctx context.Context, namespace string, req scope.Request) (scope.ScanScope, error) {
	r, err := e.resolver(namespace)
	if err != nil {
		return scope.ScanScope{}, err
	}
	return r.Resolve(ctx, req)
}

// GetOrCompute returns the findings for sc, running analyzer only when no
// valid cache entry matches the current content of every member and the
// analyzer's own fingerprint, when it has one. A scope
// with unreadable members, or whose members change while the analyzer runs,
// is analyzed but never cached.
func (e *Engine) GetOrCompute(ctx context.Context, sc scope.ScanScope, cc CacheConfig, analyzer Analyzer) (Result, error) {
	if sc.IsEmpty() {
		return Result{Findings: []finding.Finding{}}, nil
	}

	repo, err := e.cache.Namespace(cc.Namespace)
	if err != nil {
		return Result{}, err
	}
	ttl := cc.TTL
	if ttl <= 0 {
		ttl = e.settings.Profile(cc.Namespace).TTL
	}
	log := logger.G(ctx).WithField("namespace", cc.Namespace).WithField("members", len(sc.Members))

	before, err := e.store.Scope(ctx, sc.Members)
	if err != nil {
		return Result{}, err
	}
	cacheable := before.Complete()
	if !cacheable {
		log.WithField("unreadable", before.Unknown).Warn("scope has unreadable members, bypassing cache")
	}

	key := analyzerKey(before.Digest, analyzer)
	if cacheable {
		if cc.NoCache {
			if err := repo.Invalidate(ctx, key); err != nil {
				log.WithError(err).Warn("failed to drop cache entry")
			}
		} else if entry, ok := repo.Get(ctx, key); ok {
			var findings []finding.Finding
			if err := json.Unmarshal(entry.Payload, &findings); err == nil {
				return Result{Findings: findings, FromCache: true, Fingerprint: key}, nil
			}
			log.Warn("cached payload does not decode, recomputing")
			if err := repo.Invalidate(ctx, key); err != nil {
				log.WithError(err).Warn("failed to drop cache entry")
			}
		}
	}

	findings, err := analyzer.Analyze(ctx, sc)
	if err != nil {
		return Result{}, errors.Wrap(err, "running analyzer")
	}
	findings = finding.NormalizeAll(findings)
	result := Result{Findings: findings, Fingerprint: key}
	if !cacheable {
		return result, nil
	}

	after, err := e.store.Scope(ctx, sc.Members)
	if err != nil {
		return Result{}, err
	}
	if after.Digest != before.Digest {
		log.Warn("scope changed during analysis, result not cached")
		return result, nil
	}

	payload, err := json.Marshal(findings)
	if err != nil {
		return Result{}, errors.Wrap(err, "encoding findings")
	}
	if err := repo.Put(ctx, key, payload, before.Members, ttl); err != nil {
		log.WithError(err).Warn("failed to store analysis result")
	}
	return result, nil
}

// ReportRequest is the input of Report.
type ReportRequest struct {
	SessionKey string
	Namespace  string
	Findings   []finding.Finding
	Verbosity  report.Verbosity
	Scope      *scope.ScanScope
	FromCache  bool
}

// Report ingests the findings into the session and renders them with the
// render cap of the namespace profile.
func (e *Engine) Report(ctx context.Context, req ReportRequest) (report.Report, error) {
	policy := session.IngestOptions{
		RegressionWindow: e.settings.RegressionWindow,
		StaleAfter:       e.settings.StaleAfter,
	}
	r := report.NewReporter(e.ledger, e.settings.Profile(req.Namespace).RenderCap, policy)
	return r.Render(ctx, report.Input{
		SessionKey: req.SessionKey,
		Findings:   req.Findings,
		Verbosity:  req.Verbosity,
		Scope:      req.Scope,
		FromCache:  req.FromCache,
	})
}

// SessionStatus returns the progress of the session.
func (e *Engine) SessionStatus(ctx context.Context, key string) (session.Status, error) {
	return e.ledger.Status(ctx, key)
}

// ScanRequest bundles the arguments of Scan.
type ScanRequest struct {
	Scope      scope.Request
	Cache      CacheConfig
	SessionKey string
	Verbosity  report.Verbosity
}

// Scan resolves the scope, gets or computes the findings and reports them.
// An empty scope skips the analyzer but still reports, so the session and
// output stay consistent.
func (e *Engine) Scan(ctx context.Context, req ScanRequest, analyzer Analyzer) (report.Report, error) {
	sc, err := e.ResolveScope(ctx, req.Cache.Namespace, req.Scope)
	if err != nil {
		return report.Report{}, err
	}
	if sc.IsEmpty() {
		logger.G(ctx).WithField("mode", sc.Mode).Info("nothing to analyze")
	}

	res, err := e.GetOrCompute(ctx, sc, req.Cache, analyzer)
	if err != nil {
		return report.Report{}, err
	}
	return e.Report(ctx, ReportRequest{
		SessionKey: req.SessionKey,
		Namespace:  req.Cache.Namespace,
		Findings:   res.Findings,
		Verbosity:  req.Verbosity,
		Scope:      &sc,
		FromCache:  res.FromCache,
	})
}
