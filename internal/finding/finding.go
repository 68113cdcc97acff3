// Package finding defines the analyzer-neutral finding record tracked by the
// cache and the remediation ledger.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Severity ranks a finding. Lower values are more severe.
type Severity int

const (
	Critical Severity = iota
	High
	Medium
	Low
)

// Severities lists every tier from most to least severe.
var Severities = []Severity{Critical, High, Medium, Low}

var severityNames = [...]string{"critical", "high", "medium", "low"}

func (s Severity) String() string {
	if s < Critical || s > Low {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity accepts the lowercase tier names, case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range severityNames {
		if candidate == n {
			return Severity(i), nil
		}
	}
	return Low, errors.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < Critical || s > Low {
		return nil, errors.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Location points at the span a finding refers to. Lines and columns are
// zero-based; zero end values mean the span is a single point.
type Location struct {
	File      string `json:"file" yaml:"file"`
	Line      int    `json:"line" yaml:"line"`
	Column    int    `json:"column,omitempty" yaml:"column,omitempty"`
	EndLine   int    `json:"endLine,omitempty" yaml:"endLine,omitempty"`
	EndColumn int    `json:"endColumn,omitempty" yaml:"endColumn,omitempty"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line+1)
}

// Finding is one issue reported by an analyzer.
type Finding struct {
	ID          string   `json:"id" yaml:"id"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Location    Location `json:"location" yaml:"location"`
	Description string   `json:"description" yaml:"description"`
	Rule        string   `json:"rule,omitempty" yaml:"rule,omitempty"`
	Fixed       bool     `json:"fixed" yaml:"fixed"`
}

// ID derives the stable identifier of an issue from its location and a hash
// of its description, so reruns recognise the same issue.
func ID(loc Location, description string) string {
	descHash := sha256.Sum256([]byte(description))
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s", loc.String(), hex.EncodeToString(descHash[:]))
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Normalize fills in a missing ID and returns the finding.
func Normalize(f Finding) Finding {
	if f.ID == "" {
		f.ID = ID(f.Location, f.Description)
	}
	return f
}

// NormalizeAll normalizes every finding and drops duplicates by ID,
// keeping the first occurrence.
func NormalizeAll(findings []Finding) []Finding {
	out := make([]Finding, 0, len(findings))
	seen := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		f = Normalize(f)
		if _, dup := seen[f.ID]; dup {
			continue
		}
		seen[f.ID] = struct{}{}
		out = append(out, f)
	}
	return out
}
