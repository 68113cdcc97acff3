package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arch-stack/scancache/internal/finding"
	"github.com/arch-stack/scancache/internal/scope"
	"github.com/arch-stack/scancache/internal/session"
)

func init() {
	color.NoColor = true
}

func newReporter(t *testing.T, tierCap int) (*Reporter, *session.Ledger) {
	t.Helper()
	ledger := session.NewLedger(t.TempDir())
	return NewReporter(ledger, tierCap, session.IngestOptions{}), ledger
}

func mk(id string, sev finding.Severity, file string, line int) finding.Finding {
	return finding.Finding{ID: id, Severity: sev, Location: finding.Location{File: file, Line: line}, Description: "issue " + id}
}

func TestRender_EarlyExitSkipsTiers(t *testing.T) {
	for _, v := range []Verbosity{Default, Verbose, All} {
		t.Run(string(v), func(t *testing.T) {
			r, _ := newReporter(t, 5)
			visited := 0
			r.observeTier = func(finding.Severity) { visited++ }

			rep, err := r.Render(context.Background(), Input{SessionKey: "S", Verbosity: v})
			require.NoError(t, err)

			assert.True(t, rep.Clean)
			assert.Empty(t, rep.Tiers)
			assert.Zero(t, visited, "clean render must not process any tier")
		})
	}
}

func TestRender_CleanStillUpdatesSession(t *testing.T) {
	r, ledger := newReporter(t, 5)
	ctx := context.Background()

	_, err := r.Render(ctx, Input{SessionKey: "S", Findings: []finding.Finding{mk("1", finding.High, "a.go", 1)}})
	require.NoError(t, err)

	rep, err := r.Render(ctx, Input{SessionKey: "S"})
	require.NoError(t, err)
	assert.True(t, rep.Clean)
	assert.Equal(t, 1, rep.Progress.Fixed)

	st, err := ledger.Status(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Fixed)
}

func sample() []finding.Finding {
	return []finding.Finding{
		mk("c1", finding.Critical, "b.go", 2),
		mk("c2", finding.Critical, "a.go", 9),
		mk("h1", finding.High, "a.go", 1),
		mk("m1", finding.Medium, "a.go", 3),
		mk("l1", finding.Low, "c.go", 1),
		mk("l2", finding.Low, "c.go", 2),
	}
}

func TestRender_DefaultExpandsOnlyCritical(t *testing.T) {
	r, _ := newReporter(t, 10)
	visited := 0
	r.observeTier = func(finding.Severity) { visited++ }

	rep, err := r.Render(context.Background(), Input{SessionKey: "S", Findings: sample(), Verbosity: Default})
	require.NoError(t, err)

	assert.False(t, rep.Clean)
	assert.Equal(t, 6, rep.Total)
	assert.Equal(t, 4, visited)
	require.Len(t, rep.Tiers, 4)

	crit := rep.Tiers[0]
	assert.True(t, crit.Expanded)
	require.Len(t, crit.Findings, 2)
	assert.Equal(t, "c2", crit.Findings[0].ID, "expanded tiers are ordered by location")

	for _, tier := range rep.Tiers[1:] {
		assert.False(t, tier.Expanded)
		assert.Empty(t, tier.Findings)
	}
	assert.Equal(t, 2, rep.Tiers[3].Count)
	assert.Empty(t, rep.Notices)

	// The critical tier is still held to the render cap.
	capped, _ := newReporter(t, 1)
	rep, err = capped.Render(context.Background(), Input{SessionKey: "S", Findings: sample(), Verbosity: Default})
	require.NoError(t, err)
	crit = rep.Tiers[0]
	assert.Equal(t, 2, crit.Count)
	require.Len(t, crit.Findings, 1)
	assert.Equal(t, 1, crit.Omitted)
	assert.Contains(t, rep.Notices, "critical tier truncated: showing 1 of 2")
}

func TestRender_VerboseExpandsHigh(t *testing.T) {
	r, _ := newReporter(t, 10)
	rep, err := r.Render(context.Background(), Input{SessionKey: "S", Findings: sample(), Verbosity: Verbose})
	require.NoError(t, err)

	assert.True(t, rep.Tiers[0].Expanded)
	assert.True(t, rep.Tiers[1].Expanded)
	assert.Len(t, rep.Tiers[1].Findings, 1)
	assert.False(t, rep.Tiers[2].Expanded)
	assert.False(t, rep.Tiers[3].Expanded)
}

func TestRender_AllIsBoundedByCap(t *testing.T) {
	r, _ := newReporter(t, 3)
	var findings []finding.Finding
	for i := 0; i < 10; i++ {
		findings = append(findings, mk(fmt.Sprintf("l%02d", i), finding.Low, "x.go", i))
	}

	rep, err := r.Render(context.Background(), Input{SessionKey: "S", Findings: findings, Verbosity: All})
	require.NoError(t, err)

	low := rep.Tiers[3]
	assert.Equal(t, 10, low.Count)
	assert.Len(t, low.Findings, 3)
	assert.Equal(t, 7, low.Omitted)
	require.Len(t, rep.Notices, 1)
	assert.Contains(t, rep.Notices[0], "low tier truncated")
}

func TestRender_TruncatedScopeAlwaysNoticed(t *testing.T) {
	sc := &scope.ScanScope{Mode: scope.ModeFull, Members: []string{"a.go"}, Truncated: true, Total: 40}

	for _, findings := range [][]finding.Finding{nil, sample()} {
		r, _ := newReporter(t, 10)
		rep, err := r.Render(context.Background(), Input{SessionKey: "S", Findings: findings, Scope: sc})
		require.NoError(t, err)
		require.NotEmpty(t, rep.Notices)
		assert.Contains(t, rep.Notices[0], "truncated to 1 of 40")
	}
}

func TestRender_SessionScenario(t *testing.T) {
	r, _ := newReporter(t, 10)
	ctx := context.Background()

	rep, err := r.Render(ctx, Input{SessionKey: "S", Findings: []finding.Finding{
		{ID: "1", Severity: finding.Critical}, {ID: "2", Severity: finding.Low},
	}})
	require.NoError(t, err)
	assert.Equal(t, Progress{Key: "S", Total: 2, Fixed: 0, Remaining: 2}, rep.Progress)

	rep, err = r.Render(ctx, Input{SessionKey: "S", Findings: []finding.Finding{{ID: "2", Severity: finding.Low}}})
	require.NoError(t, err)
	assert.Equal(t, Progress{Key: "S", Total: 2, Fixed: 1, Remaining: 1}, rep.Progress)
}

func TestWriteText(t *testing.T) {
	r, _ := newReporter(t, 10)
	rep, err := r.Render(context.Background(), Input{SessionKey: "S", Findings: sample(), FromCache: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, rep))
	out := buf.String()

	assert.Contains(t, out, "6 findings (cached analysis)")
	assert.Contains(t, out, "critical: 2")
	assert.Contains(t, out, "[c2] a.go:10 issue c2")
	assert.Contains(t, out, "low: 2")
	assert.NotContains(t, out, "issue l1")
	assert.Contains(t, out, "session S: 6 total, 0 fixed, 6 remaining")
}

func TestWriteText_Clean(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, Report{Clean: true, Progress: Progress{Key: "S"}}))
	assert.Equal(t, "✓ clean: no findings\nsession S: 0 total, 0 fixed, 0 remaining\n", buf.String())
}

func TestWrite_JSONAndYAML(t *testing.T) {
	rep := Report{Clean: false, Verbosity: Default, Total: 1, Tiers: []Tier{{Severity: finding.High, Count: 1}}}

	var jbuf bytes.Buffer
	require.NoError(t, Write(&jbuf, rep, FormatJSON))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(jbuf.Bytes(), &decoded))
	assert.Equal(t, "default", decoded["verbosity"])

	var ybuf bytes.Buffer
	require.NoError(t, Write(&ybuf, rep, FormatYAML))
	assert.Contains(t, ybuf.String(), "severity: high")
}

func TestEncode_RejectsText(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Encode(&buf, map[string]int{"a": 1}, FormatText))

	require.NoError(t, Encode(&buf, map[string]int{"a": 1}, FormatYAML))
	assert.Equal(t, "a: 1\n", buf.String())
}

func TestParseVerbosityAndFormat(t *testing.T) {
	v, err := ParseVerbosity("")
	require.NoError(t, err)
	assert.Equal(t, Default, v)
	_, err = ParseVerbosity("loud")
	assert.Error(t, err)

	f, err := ParseFormat("yml")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
