// Package fingerprint computes content digests for files and for composite
// scan scopes.
//
// A composite digest is built from the lexically sorted member identifiers
// paired with their content digests, so it does not depend on enumeration
// order or on the order in which parallel workers finish.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrUnreadable marks an input whose content could not be read.
var ErrUnreadable = errors.New("input unreadable")

// Digest is the lowercase hex SHA-256 of some content.
type Digest string

// Bytes fingerprints an in-memory buffer.
func Bytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(hex.EncodeToString(sum[:]))
}

// Reader fingerprints everything readable from r.
func Reader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(ErrUnreadable, err.Error())
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// File fingerprints the file at path. Errors wrap ErrUnreadable.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(ErrUnreadable, "opening %s: %v", path, err)
	}
	defer f.Close()

	d, err := Reader(f)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", path)
	}
	return d, nil
}

// Combine builds the composite digest of a member set.
func Combine(members map[string]Digest) Digest {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		io.WriteString(h, id)
		h.Write([]byte{0})
		io.WriteString(h, string(members[id]))
		h.Write([]byte{'\n'})
	}
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

// ScopeDigest is the result of fingerprinting a scope.
type ScopeDigest struct {
	Digest  Digest
	Members map[string]Digest
	// Unknown lists members that could not be read. A scope with unknown
	// members must never be served from or written to the cache.
	Unknown []string
}

// Complete reports whether every member was fingerprinted.
func (s ScopeDigest) Complete() bool {
	return len(s.Unknown) == 0
}

// Store fingerprints repository-relative members under Root.
type Store struct {
	Root    string
	Workers int
}

// NewStore creates a store rooted at root using one worker per CPU.
func NewStore(root string) *Store {
	return &Store{Root: root, Workers: runtime.NumCPU()}
}

// Member fingerprints one slash-separated, root-relative member.
func (s *Store) Member(id string) (Digest, error) {
	return File(filepath.Join(s.Root, filepath.FromSlash(id)))
}

// Scope fingerprints every member in parallel and combines the results.
// Unreadable members are reported in Unknown rather than failing the call.
func (s *Store) Scope(ctx context.Context, members []string) (ScopeDigest, error) {
	ids := dedupSorted(members)
	digests := make([]Digest, len(ids))
	failed := make([]bool, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := s.Member(id)
			if err != nil {
				failed[i] = true
				return nil
			}
			digests[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScopeDigest{}, errors.Wrap(err, "fingerprinting scope")
	}

	result := ScopeDigest{Members: make(map[string]Digest, len(ids))}
	combined := make(map[string]Digest, len(ids))
	for i, id := range ids {
		if failed[i] {
			result.Unknown = append(result.Unknown, id)
			combined[id] = "?"
			continue
		}
		result.Members[id] = digests[i]
		combined[id] = digests[i]
	}
	result.Digest = Combine(combined)
	return result, nil
}

func dedupSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, id := range in {
		id = filepath.ToSlash(id)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
