package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/arch-stack/scancache/internal/finding"
)

// Format selects an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses an output format; empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", errors.Errorf("unknown output format %q", s)
	}
}

// Write encodes rep to w.
func Write(w io.Writer, rep Report, format Format) error {
	if format == FormatText || format == "" {
		return WriteText(w, rep)
	}
	return Encode(w, rep, format)
}

// Encode writes v as JSON or YAML.
func Encode(w io.Writer, v any, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Errorf("format %q has no structured encoding", format)
	}
}

var severityColors = map[finding.Severity]*color.Color{
	finding.Critical: color.New(color.FgRed, color.Bold),
	finding.High:     color.New(color.FgRed),
	finding.Medium:   color.New(color.FgYellow),
	finding.Low:      color.New(color.FgCyan),
}

// WriteText renders the human-readable form.
func WriteText(w io.Writer, rep Report) error {
	ew := &errWriter{w: w}

	for _, warning := range rep.Warnings {
		ew.printf("%s %s\n", color.YellowString("[WARN]"), warning)
	}
	for _, notice := range rep.Notices {
		ew.printf("%s %s\n", color.YellowString("[NOTE]"), notice)
	}

	if rep.Clean {
		ew.printf("%s no findings\n", color.GreenString("✓ clean:"))
		ew.printf("session %s: %d total, %d fixed, %d remaining\n",
			rep.Progress.Key, rep.Progress.Total, rep.Progress.Fixed, rep.Progress.Remaining)
		return ew.err
	}

	source := "fresh analysis"
	if rep.FromCache {
		source = "cached analysis"
	}
	ew.printf("%d findings (%s)\n", rep.Total, source)

	for _, tier := range rep.Tiers {
		ew.printf("  %s: %d\n", severityColors[tier.Severity].Sprint(tier.Severity), tier.Count)
		if !tier.Expanded {
			continue
		}
		for _, f := range tier.Findings {
			ew.printf("    - [%s] %s %s\n", f.ID, f.Location, f.Description)
		}
		if tier.Omitted > 0 {
			ew.printf("    ... %d more not shown\n", tier.Omitted)
		}
	}
	ew.printf("session %s: %d total, %d fixed, %d remaining\n",
		rep.Progress.Key, rep.Progress.Total, rep.Progress.Fixed, rep.Progress.Remaining)
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
