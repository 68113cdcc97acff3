package scope

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/arch-stack/scancache/internal/logger"
)

// ChangedFilesProvider reports root-relative files changed since reference.
type ChangedFilesProvider interface {
	ChangedFiles(ctx context.Context, root, reference string) ([]string, error)
}

// Request describes what the caller wants analyzed.
type Request struct {
	Mode      Mode
	Path      string
	Reference string
	// MaxMembers overrides the resolver's cap when positive.
	MaxMembers int
}

// Resolver turns requests into scopes rooted at Root.
type Resolver struct {
	Root        string
	Eligibility *Eligibility
	Changes     ChangedFilesProvider
	MaxMembers  int
}

// NewResolver creates a resolver with the given eligibility and cap.
func NewResolver(root string, eligibility *Eligibility, changes ChangedFilesProvider, maxMembers int) *Resolver {
	return &Resolver{Root: root, Eligibility: eligibility, Changes: changes, MaxMembers: maxMembers}
}

// Resolve produces the scope for req. A changed request that yields no
// files returns an empty scope; a bad path returns a *Error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (ScanScope, error) {
	limit := r.MaxMembers
	if req.MaxMembers > 0 {
		limit = req.MaxMembers
	}

	var (
		members []string
		err     error
	)
	switch req.Mode {
	case ModeFull:
		members, err = r.Eligibility.walk(r.Root, r.Root)
		if err != nil {
			return ScanScope{}, &Error{Mode: ModeFull, Err: errors.Wrap(err, "walking repository")}
		}
	case ModePath:
		members, err = r.resolvePath(req.Path)
		if err != nil {
			return ScanScope{}, err
		}
	case ModeChanged, "":
		members, err = r.resolveChanged(ctx, req.Reference)
		if err != nil {
			return ScanScope{}, err
		}
		req.Mode = ModeChanged
	default:
		return ScanScope{}, &Error{Mode: req.Mode, Err: errors.New("unknown mode")}
	}

	s := newScope(req.Mode, r.Root, members, limit)
	log := logger.G(ctx).WithField("mode", s.Mode).WithField("members", len(s.Members))
	if s.Truncated {
		log.WithField("total", s.Total).Warn("scope truncated")
	} else {
		log.Debug("scope resolved")
	}
	return s, nil
}

func (r *Resolver) resolvePath(p string) ([]string, error) {
	if strings.TrimSpace(p) == "" {
		return nil, &Error{Mode: ModePath, Err: errors.New("path is required")}
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.Root, p)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(r.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, &Error{Mode: ModePath, Path: p, Err: errors.New("path is outside the repository")}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, &Error{Mode: ModePath, Path: p, Err: err}
	}
	if !info.IsDir() {
		rel = filepath.ToSlash(rel)
		if r.Eligibility.Eligible(r.Root, rel) {
			return []string{rel}, nil
		}
		return nil, nil
	}

	members, err := r.Eligibility.walk(r.Root, abs)
	if err != nil {
		return nil, &Error{Mode: ModePath, Path: p, Err: errors.Wrap(err, "walking path")}
	}
	return members, nil
}

func (r *Resolver) resolveChanged(ctx context.Context, reference string) ([]string, error) {
	if r.Changes == nil {
		return nil, &Error{Mode: ModeChanged, Err: errors.New("no changed-files provider configured")}
	}
	changed, err := r.Changes.ChangedFiles(ctx, r.Root, reference)
	if err != nil {
		return nil, &Error{Mode: ModeChanged, Path: reference, Err: err}
	}

	members := make([]string, 0, len(changed))
	for _, c := range changed {
		rel := filepath.ToSlash(filepath.Clean(c))
		if rel == "." || strings.HasPrefix(rel, "../") {
			continue
		}
		if r.Eligibility.SkipDirOf(rel) {
			continue
		}
		// Deleted files show up in diffs but have nothing left to analyze.
		if r.Eligibility.Eligible(r.Root, rel) {
			members = append(members, rel)
		}
	}
	return members, nil
}
