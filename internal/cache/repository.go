package cache

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/arch-stack/scancache/internal/fingerprint"
	"github.com/arch-stack/scancache/internal/logger"
)

const (
	entryExt = ".json"
	tempExt  = ".tmp"
)

// ErrCorrupt marks an entry file that failed to decode.
var ErrCorrupt = errors.New("cache entry corrupt")

var keyPattern = regexp.MustCompile(`^[0-9a-f]{16,128}$`)

// MemberVerifier re-fingerprints a single scope member on demand.
type MemberVerifier interface {
	Member(id string) (fingerprint.Digest, error)
}

// Repository is the entry store of a single namespace.
type Repository struct {
	namespace string
	dir       string
	verifier  MemberVerifier
	now       func() time.Time
}

// Namespace returns the namespace this repository serves.
func (r *Repository) Namespace() string {
	return r.namespace
}

// Dir returns the directory holding the namespace's entries.
func (r *Repository) Dir() string {
	return r.dir
}

func (r *Repository) path(key fingerprint.Digest) (string, error) {
	if !keyPattern.MatchString(string(key)) {
		return "", errors.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(r.dir, string(key)+entryExt), nil
}

// Get returns the entry stored under key. The second result is false on a
// miss: absent, expired, corrupt, or any recorded member whose current
// fingerprint differs from the stored one. Only recorded members are
// re-checked.
func (r *Repository) Get(ctx context.Context, key fingerprint.Digest) (Entry, bool) {
	log := logger.G(ctx).WithField("namespace", r.namespace).WithField("key", key)

	path, err := r.path(key)
	if err != nil {
		log.WithError(err).Warn("rejecting cache lookup")
		return Entry{}, false
	}

	entry, err := readEntry(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("cache miss: absent")
		return Entry{}, false
	case errors.Is(err, ErrCorrupt):
		log.WithError(err).Warn("removing corrupt cache entry")
		r.remove(path)
		return Entry{}, false
	default:
		log.WithError(err).Warn("cache miss: unreadable entry")
		return Entry{}, false
	}

	if entry.Expired(r.now()) {
		log.Debug("cache miss: expired")
		return Entry{}, false
	}

	if r.verifier != nil {
		for id, recorded := range entry.PerInputFingerprints {
			current, err := r.verifier.Member(id)
			if err != nil || current != recorded {
				log.WithField("member", id).Debug("cache miss: member changed")
				return Entry{}, false
			}
		}
	}

	log.Debug("cache hit")
	return entry, true
}

// Put stores payload under key, replacing any previous entry. The entry is
// written to a temp file and renamed into place, so readers see either the
// old entry or the new one.
func (r *Repository) Put(ctx context.Context, key fingerprint.Digest, payload []byte, members map[string]fingerprint.Digest, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.Errorf("ttl must be positive, got %s", ttl)
	}
	path, err := r.path(key)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		return errors.New("payload is not valid JSON")
	}

	entry := Entry{
		ScopeFingerprint:     key,
		Namespace:            r.namespace,
		CreatedAt:            r.now().UTC(),
		TTLSeconds:           int64(ttl / time.Second),
		PerInputFingerprints: members,
		Payload:              payload,
	}
	if entry.TTLSeconds == 0 {
		entry.TTLSeconds = 1
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling cache entry")
	}

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return errors.Wrap(err, "creating namespace directory")
	}
	if err := writeAtomic(r.dir, path, data); err != nil {
		return err
	}

	logger.G(ctx).WithField("namespace", r.namespace).
		WithField("key", key).
		WithField("members", len(members)).
		Debug("cache entry stored")
	return nil
}

// Invalidate removes the entry stored under key. Removing an absent entry is
// not an error.
func (r *Repository) Invalidate(ctx context.Context, key fingerprint.Digest) error {
	path, err := r.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing cache entry %s", key)
	}
	logger.G(ctx).WithField("namespace", r.namespace).WithField("key", key).Debug("cache entry invalidated")
	return nil
}

// InvalidateFunc removes every entry for which match returns true. Corrupt
// entries are always removed. It returns the number of removed entries.
func (r *Repository) InvalidateFunc(ctx context.Context, match func(Entry) bool) (int, error) {
	paths, err := r.entryPaths()
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	removed := 0
	for _, path := range paths {
		entry, err := readEntry(path)
		if err != nil && !errors.Is(err, ErrCorrupt) {
			continue
		}
		if err == nil && !match(entry) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.G(ctx).WithField("namespace", r.namespace).WithField("removed", removed).Info("cache entries invalidated")
	}
	return removed, result.ErrorOrNil()
}

// InvalidateAll removes every entry in the namespace.
func (r *Repository) InvalidateAll(ctx context.Context) (int, error) {
	return r.InvalidateFunc(ctx, func(Entry) bool { return true })
}

// InvalidateMember removes every entry that recorded id as an input.
func (r *Repository) InvalidateMember(ctx context.Context, id string) (int, error) {
	id = filepath.ToSlash(id)
	return r.InvalidateFunc(ctx, func(e Entry) bool { return e.HasMember(id) })
}

// SweepStats summarises a sweep.
type SweepStats struct {
	TempFiles int
	Expired   int
	Corrupt   int
}

// Sweep deletes orphaned temp files older than grace plus expired and
// corrupt entries. It is idempotent.
func (r *Repository) Sweep(ctx context.Context, grace time.Duration) (SweepStats, error) {
	var stats SweepStats
	dirEntries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, errors.Wrap(err, "reading namespace directory")
	}

	now := r.now()
	var result *multierror.Error
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, de.Name())

		switch {
		case strings.HasSuffix(de.Name(), tempExt):
			info, err := de.Info()
			if err != nil || now.Sub(info.ModTime()) < grace {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				result = multierror.Append(result, err)
				continue
			}
			stats.TempFiles++

		case strings.HasSuffix(de.Name(), entryExt):
			entry, err := readEntry(path)
			switch {
			case errors.Is(err, ErrCorrupt):
				stats.Corrupt++
			case err != nil:
				continue
			case entry.Expired(now):
				stats.Expired++
			default:
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				result = multierror.Append(result, err)
			}
		}
	}

	logger.G(ctx).WithField("namespace", r.namespace).
		WithField("tempFiles", stats.TempFiles).
		WithField("expired", stats.Expired).
		WithField("corrupt", stats.Corrupt).
		Debug("namespace swept")
	return stats, result.ErrorOrNil()
}

func (r *Repository) entryPaths() ([]string, error) {
	dirEntries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading namespace directory")
	}
	var paths []string
	for _, de := range dirEntries {
		if !de.IsDir() && strings.HasSuffix(de.Name(), entryExt) {
			paths = append(paths, filepath.Join(r.dir, de.Name()))
		}
	}
	return paths, nil
}

func (r *Repository) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.L.WithError(err).WithField("path", path).Warn("failed to remove cache entry")
	}
}

func readEntry(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, errors.Wrapf(ErrCorrupt, "%s: %v", filepath.Base(path), err)
	}
	if entry.ScopeFingerprint == "" || entry.CreatedAt.IsZero() {
		return Entry{}, errors.Wrapf(ErrCorrupt, "%s: missing required fields", filepath.Base(path))
	}
	return entry, nil
}

// writeAtomic writes data to a temp file in dir and renames it onto path.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*"+tempExt)
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "renaming temp file")
	}
	return nil
}
