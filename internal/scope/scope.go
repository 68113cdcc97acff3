// Package scope resolves a scan request into the concrete, bounded set of
// repository inputs an analysis runs over.
package scope

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Mode selects how the members of a scope are found.
type Mode string

const (
	// ModeChanged asks a ChangedFilesProvider which files changed.
	ModeChanged Mode = "changed"
	// ModePath enumerates an explicit subtree or file.
	ModePath Mode = "path"
	// ModeFull enumerates the whole repository.
	ModeFull Mode = "full"
)

// ParseMode parses a mode name. The empty string means ModeChanged.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeChanged:
		return ModeChanged, nil
	case ModePath:
		return ModePath, nil
	case ModeFull:
		return ModeFull, nil
	default:
		return "", errors.Errorf("unknown scope mode %q", s)
	}
}

// ScanScope is the resolved input set of one invocation. It is not modified
// after Resolve returns it.
type ScanScope struct {
	Mode Mode   `json:"mode"`
	Root string `json:"root"`
	// Members are root-relative, slash-separated, sorted and unique.
	Members []string `json:"members"`
	// Truncated is set when more than the cap matched; Total is the
	// number that matched before truncation.
	Truncated bool `json:"truncated"`
	Total     int  `json:"total"`
}

// IsEmpty reports whether there is nothing to analyze. An empty changed
// scope means nothing changed; callers take the early-exit path instead of
// widening the scope.
func (s ScanScope) IsEmpty() bool {
	return len(s.Members) == 0
}

// Contains reports whether id is a member.
func (s ScanScope) Contains(id string) bool {
	i := sort.SearchStrings(s.Members, id)
	return i < len(s.Members) && s.Members[i] == id
}

// Error reports an invalid scope request. It is fatal for the invocation.
type Error struct {
	Mode Mode
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("scope %s %q: %v", e.Mode, e.Path, e.Err)
	}
	return fmt.Sprintf("scope %s: %v", e.Mode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsScopeError reports whether err is, or wraps, a scope *Error.
func IsScopeError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func newScope(mode Mode, root string, members []string, limit int) ScanScope {
	members = normalize(members)
	s := ScanScope{Mode: mode, Root: root, Members: members, Total: len(members)}
	if limit > 0 && len(members) > limit {
		s.Members = members[:limit]
		s.Truncated = true
	}
	return s
}

func normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
