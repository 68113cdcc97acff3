package scope

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/h2non/filetype"
	"github.com/pkg/errors"
	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultMaxFileBytes is the size above which files are not analyzed.
const DefaultMaxFileBytes = 1_000_000

var skippedDirs = map[string]bool{
	"node_modules": true, "vendor": true, "__pycache__": true,
	"target": true, "build": true, "dist": true,
}

var binaryExts = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".webp": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".zip": true, ".tar": true, ".gz": true, ".rar": true, ".7z": true,
	".bin": true, ".dat": true, ".db": true, ".sqlite": true,
	".pyc": true, ".pyo": true, ".class": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".wav": true, ".avi": true, ".mov": true,
	".o": true, ".a": true, ".lib": true,
}

// Eligibility decides which files may become scope members. It always skips
// hidden entries, well-known dependency and build directories, gitignored
// paths, binaries and files above MaxFileBytes; Include and Exclude are
// doublestar patterns matched against root-relative slash paths.
type Eligibility struct {
	Include      []string
	Exclude      []string
	MaxFileBytes int64

	gitignore *ignore.GitIgnore
}

// NewEligibility validates the patterns and loads root/.gitignore if present.
func NewEligibility(root string, include, exclude []string, maxFileBytes int64) (*Eligibility, error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.Errorf("invalid glob pattern %q", p)
		}
	}
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	e := &Eligibility{Include: include, Exclude: exclude, MaxFileBytes: maxFileBytes}
	if gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
		e.gitignore = gi
	}
	return e, nil
}

// SkipDir reports whether the walk should not descend into rel.
func (e *Eligibility) SkipDir(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	name := path.Base(rel)
	if strings.HasPrefix(name, ".") || skippedDirs[name] {
		return true
	}
	return e.gitignore != nil && e.gitignore.MatchesPath(rel)
}

// SkipDirOf reports whether any parent directory of rel would be skipped.
func (e *Eligibility) SkipDirOf(rel string) bool {
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if e.SkipDir(dir) {
			return true
		}
	}
	return false
}

// Eligible reports whether the file at root/rel may be analyzed.
func (e *Eligibility) Eligible(root, rel string) bool {
	name := path.Base(rel)
	if strings.HasPrefix(name, ".") || isBinaryExtension(name) {
		return false
	}
	if e.gitignore != nil && e.gitignore.MatchesPath(rel) {
		return false
	}
	if !e.matches(rel) {
		return false
	}

	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() || info.Size() > e.MaxFileBytes {
		return false
	}
	return !isBinaryFile(abs)
}

func (e *Eligibility) matches(rel string) bool {
	for _, p := range e.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	if len(e.Include) == 0 {
		return true
	}
	for _, p := range e.Include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// walk collects eligible files under base, returned relative to root.
func (e *Eligibility) walk(root, base string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if p != base && e.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if e.Eligible(root, rel) {
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}

func isBinaryExtension(name string) bool {
	return binaryExts[strings.ToLower(filepath.Ext(name))]
}

// isBinaryContent sniffs magic bytes; unknown types are treated as text.
func isBinaryContent(head []byte) bool {
	if len(head) > 262 {
		head = head[:262]
	}
	kind, _ := filetype.Match(head)
	return kind != filetype.Unknown
}

func isBinaryFile(abs string) bool {
	f, err := os.Open(abs)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 262)
	n, _ := io.ReadFull(f, head)
	return isBinaryContent(head[:n])
}
