// Package report renders findings under a severity-tiered disclosure
// policy and keeps the remediation ledger in step with every render.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/arch-stack/scancache/internal/finding"
	"github.com/arch-stack/scancache/internal/scope"
	"github.com/arch-stack/scancache/internal/session"
)

// Verbosity selects how many tiers are listed in full.
type Verbosity string

const (
	// Default lists critical findings and counts the rest.
	Default Verbosity = "default"
	// Verbose lists critical and high findings and counts the rest.
	Verbose Verbosity = "verbose"
	// All lists every tier, each bounded by the tier cap.
	All Verbosity = "all"
)

// ParseVerbosity parses a verbosity name; empty means Default.
func ParseVerbosity(s string) (Verbosity, error) {
	switch Verbosity(strings.ToLower(strings.TrimSpace(s))) {
	case "", Default:
		return Default, nil
	case Verbose:
		return Verbose, nil
	case All:
		return All, nil
	default:
		return "", errors.Errorf("unknown verbosity %q", s)
	}
}

func (v Verbosity) expands(s finding.Severity) bool {
	switch v {
	case All:
		return true
	case Verbose:
		return s <= finding.High
	default:
		return s == finding.Critical
	}
}

// Tier is one severity bucket of a report.
type Tier struct {
	Severity finding.Severity  `json:"severity" yaml:"severity"`
	Count    int               `json:"count" yaml:"count"`
	Expanded bool              `json:"expanded" yaml:"expanded"`
	Findings []finding.Finding `json:"findings,omitempty" yaml:"findings,omitempty"`
	// Omitted counts expanded findings cut by the tier cap.
	Omitted int `json:"omitted,omitempty" yaml:"omitted,omitempty"`
}

// Progress is the session state after the render's ingest.
type Progress struct {
	Key       string `json:"key" yaml:"key"`
	Total     int    `json:"total" yaml:"total"`
	Fixed     int    `json:"fixed" yaml:"fixed"`
	Remaining int    `json:"remaining" yaml:"remaining"`
}

// Report is the bounded rendering of one analysis.
type Report struct {
	// Clean is set when there is nothing actionable; Tiers is then empty.
	Clean     bool      `json:"clean" yaml:"clean"`
	Verbosity Verbosity `json:"verbosity" yaml:"verbosity"`
	Total     int       `json:"total" yaml:"total"`
	FromCache bool      `json:"fromCache" yaml:"fromCache"`
	Tiers     []Tier    `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	Notices   []string  `json:"notices,omitempty" yaml:"notices,omitempty"`
	Warnings  []string  `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Progress  Progress  `json:"progress" yaml:"progress"`
}

// Ingester is the part of the session ledger the reporter needs.
type Ingester interface {
	Ingest(ctx context.Context, key string, findings []finding.Finding, opts session.IngestOptions) (*session.RemediationSession, error)
}

// DefaultTierCap is used when a non-positive cap is configured.
const DefaultTierCap = 20

// Reporter renders reports. Every render first ingests its findings into
// the ledger, so there is no way to report without updating the session.
type Reporter struct {
	ledger Ingester
	cap    int
	policy session.IngestOptions

	// observeTier is called once per tier processed; tests use it to
	// check the clean short-circuit.
	observeTier func(finding.Severity)
}

// NewReporter creates a reporter listing at most tierCap findings per
// expanded tier. policy supplies the regression window and staleness
// threshold used on ingest.
func NewReporter(ledger Ingester, tierCap int, policy session.IngestOptions) *Reporter {
	if tierCap <= 0 {
		tierCap = DefaultTierCap
	}
	return &Reporter{ledger: ledger, cap: tierCap, policy: policy}
}

// Input is what one render consumes.
type Input struct {
	SessionKey string
	Findings   []finding.Finding
	Verbosity  Verbosity
	// Scope is the scope the findings were produced for, if known.
	Scope     *scope.ScanScope
	FromCache bool
}

// Render ingests in.Findings into the session and renders them.
func (r *Reporter) Render(ctx context.Context, in Input) (Report, error) {
	findings := finding.NormalizeAll(in.Findings)

	opts := r.policy
	opts.Scope = nil
	opts.Full = false
	if in.Scope != nil {
		opts.Scope = in.Scope
		opts.Full = in.Scope.Mode == scope.ModeFull && !in.Scope.Truncated
	}
	sess, err := r.ledger.Ingest(ctx, in.SessionKey, findings, opts)
	if err != nil {
		return Report{}, errors.Wrap(err, "updating session")
	}

	st := sess.Status()
	rep := Report{
		Verbosity: in.Verbosity,
		Total:     len(findings),
		FromCache: in.FromCache,
		Warnings:  sess.Warnings,
		Progress: Progress{
			Key:       st.Key,
			Total:     st.Total,
			Fixed:     st.Fixed,
			Remaining: len(st.Remaining),
		},
	}
	if rep.Verbosity == "" {
		rep.Verbosity = Default
	}
	if in.Scope != nil && in.Scope.Truncated {
		rep.Notices = append(rep.Notices, fmt.Sprintf(
			"results are partial: scope truncated to %d of %d inputs", len(in.Scope.Members), in.Scope.Total))
	}

	if len(findings) == 0 {
		rep.Clean = true
		return rep, nil
	}

	buckets := make(map[finding.Severity][]finding.Finding, len(finding.Severities))
	for _, f := range findings {
		buckets[f.Severity] = append(buckets[f.Severity], f)
	}

	for _, sev := range finding.Severities {
		if r.observeTier != nil {
			r.observeTier(sev)
		}
		bucket := buckets[sev]
		tier := Tier{Severity: sev, Count: len(bucket), Expanded: rep.Verbosity.expands(sev)}
		if tier.Expanded && len(bucket) > 0 {
			sortByLocation(bucket)
			// Every expanded tier, critical included, is held to the cap.
			shown := bucket
			if len(shown) > r.cap {
				shown = shown[:r.cap]
				tier.Omitted = len(bucket) - r.cap
				rep.Notices = append(rep.Notices, fmt.Sprintf(
					"%s tier truncated: showing %d of %d", sev, r.cap, len(bucket)))
			}
			tier.Findings = shown
		}
		rep.Tiers = append(rep.Tiers, tier)
	}
	return rep, nil
}

func sortByLocation(fs []finding.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i].Location, fs[j].Location
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return fs[i].ID < fs[j].ID
	})
}
