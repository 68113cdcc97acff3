package cache

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Manager owns the cache directory and hands out one Repository per
// namespace, so analyzers never share a fingerprint space.
type Manager struct {
	dir      string
	verifier MemberVerifier
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mainly for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager rooted at dir. verifier is used for lazy
// per-member checks on Get and may be nil to skip them.
func NewManager(dir string, verifier MemberVerifier, opts ...Option) *Manager {
	m := &Manager{dir: dir, verifier: verifier, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the cache root.
func (m *Manager) Dir() string {
	return m.dir
}

// Namespace returns the repository for name.
func (m *Manager) Namespace(name string) (*Repository, error) {
	if !namespacePattern.MatchString(name) {
		return nil, errors.Errorf("invalid cache namespace %q", name)
	}
	return &Repository{
		namespace: name,
		dir:       filepath.Join(m.dir, name),
		verifier:  m.verifier,
		now:       m.now,
	}, nil
}

// Namespaces lists the namespaces that currently have a directory.
func (m *Manager) Namespaces() ([]string, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading cache directory")
	}
	var names []string
	for _, de := range dirEntries {
		if de.IsDir() && namespacePattern.MatchString(de.Name()) {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Sweep sweeps every namespace and sums the results.
func (m *Manager) Sweep(ctx context.Context, grace time.Duration) (SweepStats, error) {
	names, err := m.Namespaces()
	if err != nil {
		return SweepStats{}, err
	}

	var total SweepStats
	var result *multierror.Error
	for _, name := range names {
		repo, err := m.Namespace(name)
		if err != nil {
			continue
		}
		stats, err := repo.Sweep(ctx, grace)
		total.TempFiles += stats.TempFiles
		total.Expired += stats.Expired
		total.Corrupt += stats.Corrupt
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "sweeping %s", name))
		}
	}
	return total, result.ErrorOrNil()
}

// InvalidateMember removes, across all namespaces, every entry recording id.
func (m *Manager) InvalidateMember(ctx context.Context, id string) (int, error) {
	names, err := m.Namespaces()
	if err != nil {
		return 0, err
	}
	removed := 0
	var result *multierror.Error
	for _, name := range names {
		repo, err := m.Namespace(name)
		if err != nil {
			continue
		}
		n, err := repo.InvalidateMember(ctx, id)
		removed += n
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return removed, result.ErrorOrNil()
}
