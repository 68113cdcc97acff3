package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/arch-stack/scancache/internal/finding"
	"github.com/arch-stack/scancache/internal/fingerprint"
	"github.com/arch-stack/scancache/internal/logger"
	"github.com/arch-stack/scancache/internal/scope"
)

// Analyzer produces findings for a scope. It is only invoked on a cache
// miss.
type Analyzer interface {
	Analyze(ctx context.Context, sc scope.ScanScope) ([]finding.Finding, error)
}

// Fingerprinter is implemented by analyzers whose output depends on more
// than the scope members, such as rule files or command-line arguments.
// Results are cached per analyzer fingerprint, so changing those inputs
// misses the cache.
type Fingerprinter interface {
	Fingerprint() fingerprint.Digest
}

// analyzerKey folds the analyzer fingerprint, if any, into the scope digest.
func analyzerKey(scopeDigest fingerprint.Digest, analyzer Analyzer) fingerprint.Digest {
	fp, ok := analyzer.(Fingerprinter)
	if !ok {
		return scopeDigest
	}
	d := fp.Fingerprint()
	if d == "" {
		return scopeDigest
	}
	return fingerprint.Combine(map[string]fingerprint.Digest{
		"analyzer": d,
		"scope":    scopeDigest,
	})
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, sc scope.ScanScope) ([]finding.Finding, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, sc scope.ScanScope) ([]finding.Finding, error) {
	return f(ctx, sc)
}

// Command runs an external analyzer. The scope members are written to its
// stdin one per line and it must print a JSON array of findings on stdout.
// It runs in the scope root.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a command line on whitespace.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errors.New("empty analyzer command")
	}
	return Command{Name: fields[0], Args: fields[1:]}, nil
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Fingerprint identifies the command line.
func (c Command) Fingerprint() fingerprint.Digest {
	return fingerprint.Bytes([]byte(strings.Join(append([]string{c.Name}, c.Args...), "\x00")))
}

// Analyze runs the command over sc.
func (c Command) Analyze(ctx context.Context, sc scope.ScanScope) ([]finding.Finding, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = sc.Root
	cmd.Stdin = strings.NewReader(strings.Join(sc.Members, "\n") + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.G(ctx).WithField("command", c.String()).WithField("members", len(sc.Members)).Debug("running external analyzer")
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, errors.Wrapf(err, "analyzer %q failed: %s", c.Name, msg)
		}
		return nil, errors.Wrapf(err, "analyzer %q failed", c.Name)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return []finding.Finding{}, nil
	}
	var findings []finding.Finding
	if err := json.Unmarshal(out, &findings); err != nil {
		return nil, errors.Wrapf(err, "decoding output of analyzer %q", c.Name)
	}
	return findings, nil
}
