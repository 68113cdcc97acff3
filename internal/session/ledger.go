package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arch-stack/scancache/internal/finding"
	"github.com/arch-stack/scancache/internal/logger"
)

const (
	sessionExt = ".json"
	archiveDir = "archive"
)

var (
	// ErrCorrupt marks a session file that failed to decode.
	ErrCorrupt = errors.New("session file corrupt")
	// ErrUnknownFinding is returned by MarkFixed for an id the session
	// has never seen.
	ErrUnknownFinding = errors.New("unknown finding")
	// ErrNoSession is returned when a key has no session yet.
	ErrNoSession = errors.New("no session")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Membership limits disappearance-based fixing to findings whose file was
// actually analyzed.
type Membership interface {
	Contains(file string) bool
}

// IngestOptions tune how a new result set is merged.
type IngestOptions struct {
	// RegressionWindow delays disappearance-based fixing: a finding must be
	// absent for this long before it counts as fixed. Zero fixes at once.
	RegressionWindow time.Duration
	// Scope, when set, restricts disappearance-based fixing to findings
	// whose file it contains.
	Scope Membership
	// Full marks a complete, untruncated rescan of the repository.
	Full bool
	// StaleAfter supersedes the session when a full rescan shares no open
	// finding with it and it has not been updated for this long.
	StaleAfter time.Duration
}

// Ledger stores one JSON file per session key under dir.
type Ledger struct {
	dir string
	now func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger rooted at dir.
func NewLedger(dir string, opts ...Option) *Ledger {
	l := &Ledger{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the session directory.
func (l *Ledger) Dir() string {
	return l.dir
}

func (l *Ledger) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", errors.Errorf("invalid session key %q", key)
	}
	return filepath.Join(l.dir, key+sessionExt), nil
}

func (l *Ledger) newSession(key string) *RemediationSession {
	now := l.now().UTC()
	return &RemediationSession{
		ID:           uuid.NewString(),
		Key:          key,
		CreatedAt:    now,
		LastUpdated:  now,
		Findings:     []finding.Finding{},
		FixedIDs:     []string{},
		MissingSince: map[string]time.Time{},
	}
}

// Load returns the session stored under key, or nil if there is none. A
// corrupt file is renamed aside with a .corrupt suffix and a fresh, unsaved
// session carrying a warning is returned instead.
func (l *Ledger) Load(ctx context.Context, key string) (*RemediationSession, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading session %s", key)
	}

	var s RemediationSession
	if err := json.Unmarshal(data, &s); err != nil || s.Key != key {
		if err == nil {
			err = errors.Errorf("file holds key %q", s.Key)
		}
		return l.quarantine(ctx, key, path, errors.Wrap(ErrCorrupt, err.Error()))
	}
	if s.MissingSince == nil {
		s.MissingSince = map[string]time.Time{}
	}
	if s.FixedIDs == nil {
		s.FixedIDs = []string{}
	}
	sort.Strings(s.FixedIDs)
	return &s, nil
}

func (l *Ledger) quarantine(ctx context.Context, key, path string, cause error) (*RemediationSession, error) {
	aside := fmt.Sprintf("%s.%s.corrupt", path, l.now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(path, aside); err != nil {
		return nil, errors.Wrapf(err, "moving corrupt session %s aside", key)
	}

	warning := fmt.Sprintf("session %q was unreadable (%v); moved to %s and started a fresh session", key, cause, filepath.Base(aside))
	logger.G(ctx).WithField("session", key).WithField("quarantined", aside).WithError(cause).Warn("corrupt session quarantined")

	s := l.newSession(key)
	s.Warnings = append(s.Warnings, warning)
	return s, nil
}

// Ingest merges a new result set into the session for key, creating it if
// needed, and persists the result. Findings are matched by ID; a known
// finding that is reported again is reopened if it had been fixed.
func (l *Ledger) Ingest(ctx context.Context, key string, findings []finding.Finding, opts IngestOptions) (*RemediationSession, error) {
	s, err := l.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	dirty := false
	if s == nil {
		s = l.newSession(key)
		dirty = true
	} else if len(s.Warnings) > 0 {
		dirty = true
	}

	incoming := finding.NormalizeAll(findings)
	now := l.now().UTC()

	if l.stale(s, incoming, opts, now) {
		if err := l.archive(ctx, key); err != nil {
			return nil, err
		}
		warnings := s.Warnings
		s = l.newSession(key)
		s.Warnings = append(warnings, "stale session superseded by a full rescan with no overlapping findings")
		dirty = true
	}

	idx := s.index()
	seen := make(map[string]struct{}, len(incoming))
	for _, nf := range incoming {
		seen[nf.ID] = struct{}{}
		i, known := idx[nf.ID]
		if !known {
			nf.Fixed = false
			s.Findings = append(s.Findings, nf)
			idx[nf.ID] = len(s.Findings) - 1
			dirty = true
			continue
		}

		if _, missing := s.MissingSince[nf.ID]; missing {
			delete(s.MissingSince, nf.ID)
			dirty = true
		}
		if s.Findings[i].Fixed {
			logger.G(ctx).WithField("session", key).WithField("finding", nf.ID).Info("fixed finding reported again, reopening")
			s.setFixed(i, false)
			dirty = true
		}
		if s.Findings[i].Severity != nf.Severity || s.Findings[i].Rule != nf.Rule {
			s.Findings[i].Severity = nf.Severity
			s.Findings[i].Rule = nf.Rule
			dirty = true
		}
	}

	for i, f := range s.Findings {
		if f.Fixed {
			continue
		}
		if _, ok := seen[f.ID]; ok {
			continue
		}
		if opts.Scope != nil && !opts.Scope.Contains(f.Location.File) {
			continue
		}
		if opts.RegressionWindow <= 0 {
			s.setFixed(i, true)
			dirty = true
			continue
		}
		since, waiting := s.MissingSince[f.ID]
		switch {
		case !waiting:
			s.MissingSince[f.ID] = now
			dirty = true
		case now.Sub(since) >= opts.RegressionWindow:
			s.setFixed(i, true)
			dirty = true
		}
	}

	if dirty {
		s.LastUpdated = now
		if err := l.save(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (l *Ledger) stale(s *RemediationSession, incoming []finding.Finding, opts IngestOptions, now time.Time) bool {
	if !opts.Full || opts.StaleAfter <= 0 || now.Sub(s.LastUpdated) <= opts.StaleAfter {
		return false
	}
	open := s.openIDs()
	if len(open) == 0 || len(incoming) == 0 {
		return false
	}
	for _, f := range incoming {
		if _, shared := open[f.ID]; shared {
			return false
		}
	}
	return true
}

// MarkFixed records an explicit fix for one finding.
func (l *Ledger) MarkFixed(ctx context.Context, key, findingID string) (*RemediationSession, error) {
	s, err := l.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.Wrapf(ErrNoSession, "session %q", key)
	}

	i, ok := s.index()[findingID]
	if !ok {
		if len(s.Warnings) > 0 {
			return nil, errors.Wrapf(ErrUnknownFinding, "finding %q in session %q: %s", findingID, key, strings.Join(s.Warnings, "; "))
		}
		return nil, errors.Wrapf(ErrUnknownFinding, "finding %q in session %q", findingID, key)
	}
	if !s.Findings[i].Fixed {
		s.setFixed(i, true)
		s.LastUpdated = l.now().UTC()
		if err := l.save(s); err != nil {
			return nil, err
		}
		logger.G(ctx).WithField("session", key).WithField("finding", findingID).Info("finding marked fixed")
	}
	return s, nil
}

// Status returns the progress of key. A missing session has zero totals.
func (l *Ledger) Status(ctx context.Context, key string) (Status, error) {
	s, err := l.Load(ctx, key)
	if err != nil {
		return Status{}, err
	}
	if s == nil {
		return Status{Key: key, FixedIDs: []string{}, Remaining: []finding.Finding{}}, nil
	}
	return s.Status(), nil
}

// Reset archives the current session for key, if any, and starts a new
// empty one.
func (l *Ledger) Reset(ctx context.Context, key string) (*RemediationSession, error) {
	if _, err := l.path(key); err != nil {
		return nil, err
	}
	if err := l.archive(ctx, key); err != nil {
		return nil, err
	}
	s := l.newSession(key)
	if err := l.save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Summary is one line of List output.
type Summary struct {
	Key         string    `json:"key" yaml:"key"`
	ID          string    `json:"id" yaml:"id"`
	Total       int       `json:"total" yaml:"total"`
	Fixed       int       `json:"fixed" yaml:"fixed"`
	LastUpdated time.Time `json:"lastUpdated" yaml:"lastUpdated"`
}

// List summarises every live session, ordered by key. Corrupt files are
// skipped here; they are quarantined on the next Load of their key.
func (l *Ledger) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading session directory")
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sessionExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			continue
		}
		var s RemediationSession
		if err := json.Unmarshal(data, &s); err != nil {
			logger.G(ctx).WithField("file", e.Name()).WithError(err).Warn("skipping unreadable session")
			continue
		}
		out = append(out, Summary{
			Key:         s.Key,
			ID:          s.ID,
			Total:       len(s.Findings),
			Fixed:       len(s.FixedIDs),
			LastUpdated: s.LastUpdated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *Ledger) archive(ctx context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	dir := filepath.Join(l.dir, archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating archive directory")
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s-%s%s", key, l.now().UTC().Format("20060102T150405.000000000"), sessionExt))
	if err := os.Rename(path, dest); err != nil {
		return errors.Wrapf(err, "archiving session %s", key)
	}
	logger.G(ctx).WithField("session", key).WithField("archive", dest).Info("session archived")
	return nil
}

func (l *Ledger) save(s *RemediationSession) error {
	path, err := l.path(s.Key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling session")
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return errors.Wrap(err, "creating session directory")
	}

	tmp, err := os.CreateTemp(l.dir, "."+s.Key+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp session file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "writing temp session file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "syncing temp session file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing temp session file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "renaming temp session file")
	}
	return nil
}
