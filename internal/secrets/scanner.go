// Package secrets is the built-in analyzer: it runs the gitleaks detector
// over scope members and reports each leaked secret as a finding.
package secrets

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	"github.com/zricethezav/gitleaks/v8/report"
	"golang.org/x/sync/errgroup"

	"github.com/arch-stack/scancache/internal/finding"
	"github.com/arch-stack/scancache/internal/fingerprint"
	"github.com/arch-stack/scancache/internal/logger"
	"github.com/arch-stack/scancache/internal/scope"
)

const (
	// Namespace is the cache namespace secret findings are stored under.
	Namespace = "security-findings"
	// MaxContentBytes is the largest content scanned; bigger files are skipped.
	MaxContentBytes = 1_000_000
)

// Scanner wraps the gitleaks detection engine.
type Scanner struct {
	detector  *detect.Detector
	config    config.Config
	ignoreSet map[string]struct{}
	digest    fingerprint.Digest
	workers   int
}

// NewScanner creates a scanner. ignoreFile may be empty; a missing or
// unreadable ignore file only logs a warning.
func NewScanner(cfg config.Config, ignoreFile string) *Scanner {
	ignoreSet := make(map[string]struct{})
	if ignoreFile != "" {
		var err error
		ignoreSet, err = loadIgnore(ignoreFile)
		if err != nil {
			logger.L.WithError(err).WithField("path", ignoreFile).Warn("failed to load .gitleaksignore")
		} else {
			logger.L.WithField("path", ignoreFile).WithField("entries", len(ignoreSet)).Info("loaded .gitleaksignore")
		}
	}

	logger.L.WithField("config", cfg.Path).WithField("rules", len(cfg.Rules)).Debug("secret scanner initialized")

	return &Scanner{
		detector:  detect.NewDetector(cfg),
		config:    cfg,
		ignoreSet: ignoreSet,
		digest:    rulesDigest(cfg, ignoreSet),
		workers:   runtime.NumCPU(),
	}
}

// rulesDigest covers the rule source and the ignored fingerprints. A rule
// file that cannot be read is hashed by path alone.
func rulesDigest(cfg config.Config, ignoreSet map[string]struct{}) fingerprint.Digest {
	var b strings.Builder
	if cfg.Path == "" {
		b.WriteString(config.DefaultConfig)
	} else if data, err := os.ReadFile(cfg.Path); err == nil {
		b.Write(data)
	} else {
		b.WriteString(cfg.Path)
	}
	b.WriteByte(0)

	ignored := make([]string, 0, len(ignoreSet))
	for fp := range ignoreSet {
		ignored = append(ignored, fp)
	}
	sort.Strings(ignored)
	for _, fp := range ignored {
		b.WriteString(fp)
		b.WriteByte('\n')
	}
	return fingerprint.Bytes([]byte(b.String()))
}

// Fingerprint identifies the rules and ignore list the scanner applies.
func (s *Scanner) Fingerprint() fingerprint.Digest {
	return s.digest
}

// NewScannerForRoot loads the gitleaks config and ignore file of root.
func NewScannerForRoot(root string) (*Scanner, error) {
	cfg, err := LoadConfig(root)
	if err != nil {
		return nil, err
	}
	return NewScanner(cfg, FindIgnoreFile(root)), nil
}

// loadIgnore reads fingerprints from a .gitleaksignore file. Both the
// file:rule:line and commit:file:rule:line forms are accepted.
func loadIgnore(path string) (map[string]struct{}, error) {
	ignoreSet := make(map[string]struct{})

	f, err := os.Open(path)
	if err != nil {
		return ignoreSet, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	replacer := strings.NewReplacer("\\", "/")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ":")
		switch len(parts) {
		case 3:
			parts[0] = replacer.Replace(parts[0])
		case 4:
			parts[1] = replacer.Replace(parts[1])
		default:
			logger.L.WithField("line", line).Warn("invalid .gitleaksignore entry")
			continue
		}
		ignoreSet[strings.Join(parts, ":")] = struct{}{}
	}
	return ignoreSet, sc.Err()
}

// ScanContent scans content as if it were the file filename. Oversized
// content yields no findings.
func (s *Scanner) ScanContent(ctx context.Context, filename, content string) ([]finding.Finding, error) {
	if len(content) > MaxContentBytes {
		logger.G(ctx).WithField("filename", filename).WithField("size", len(content)).Warn("file too large, skipping scan")
		return nil, nil
	}

	leaks := s.detector.Detect(detect.Fragment{
		Raw:      content,
		FilePath: filename,
	})

	findings := make([]finding.Finding, 0, len(leaks))
	for _, leak := range leaks {
		fp := fmt.Sprintf("%s:%s:%d", leak.File, leak.RuleID, leak.StartLine)
		if _, ignored := s.ignoreSet[fp]; ignored {
			logger.G(ctx).WithField("fingerprint", fp).WithField("rule", leak.RuleID).Debug("ignoring finding")
			continue
		}
		findings = append(findings, convert(filename, leak))
	}
	return findings, nil
}

// Analyze scans every member of sc. Members that vanished since the scope
// was resolved are skipped.
func (s *Scanner) Analyze(ctx context.Context, sc scope.ScanScope) ([]finding.Finding, error) {
	var (
		mu  sync.Mutex
		all []finding.Finding
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.workers))
	for _, member := range sc.Members {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			content, err := os.ReadFile(filepath.Join(sc.Root, filepath.FromSlash(member)))
			if err != nil {
				if os.IsNotExist(err) {
					logger.G(ctx).WithField("file", member).Debug("scope member vanished before scan")
					return nil
				}
				return errors.Wrapf(err, "reading %s", member)
			}
			found, err := s.ScanContent(ctx, member, string(content))
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].Location, all[j].Location
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})
	return all, nil
}

// convert maps a gitleaks finding onto a zero-based finding location.
func convert(filename string, leak report.Finding) finding.Finding {
	loc := finding.Location{
		File:      filepath.ToSlash(filename),
		Line:      leak.StartLine,
		Column:    adjustColumn(leak.StartColumn, leak.StartLine, false),
		EndLine:   leak.EndLine,
		EndColumn: adjustColumn(leak.EndColumn, leak.StartLine, true),
	}
	desc := fmt.Sprintf("%s: %s", leak.RuleID, leak.Description)
	if leak.Entropy > 0 {
		desc += fmt.Sprintf(" (entropy: %.1f)", leak.Entropy)
	}
	f := finding.Finding{
		Severity:    Severity(leak.RuleID),
		Location:    loc,
		Description: desc,
		Rule:        leak.RuleID,
	}
	return finding.Normalize(f)
}

// adjustColumn converts a gitleaks column to a zero-based offset.
// Line 0: StartColumn is 1-indexed, EndColumn is 0-indexed (exclusive).
// Line >0: StartColumn is 2-indexed, EndColumn is 1-indexed (exclusive).
func adjustColumn(col int, line int, isEnd bool) int {
	if col <= 0 {
		return 0
	}
	if line == 0 {
		if isEnd {
			return col
		}
		return max(0, col-1)
	}
	if isEnd {
		return max(0, col-1)
	}
	return max(0, col-2)
}

var criticalPrefixes = []string{"aws-", "gcp-", "azure-", "private-key", "github-app-token", "stripe-"}

// Severity ranks a gitleaks rule. Cloud credentials and private keys are
// critical, the catch-all generic rule is medium and everything else high.
func Severity(ruleID string) finding.Severity {
	rule := strings.ToLower(ruleID)
	for _, p := range criticalPrefixes {
		if strings.HasPrefix(rule, p) {
			return finding.Critical
		}
	}
	if rule == "generic-api-key" {
		return finding.Medium
	}
	return finding.High
}
