package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arch-stack/scancache/internal/finding"
	"github.com/arch-stack/scancache/internal/scope"
)

func shell(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

func TestCommand_DecodesFindings(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", "1")
	sc := scope.ScanScope{Root: root, Members: []string{"a.txt"}}

	// Echo each member back as a high finding, proving stdin and cwd.
	cmd := shell(`printf '['; sep=''; while read f; do test -f "$f" || exit 9; printf '%s{"severity":"high","location":{"file":"%s","line":2},"description":"bad"}' "$sep" "$f"; sep=','; done; printf ']'`)

	findings, err := cmd.Analyze(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, finding.High, findings[0].Severity)
	assert.Equal(t, "a.txt", findings[0].Location.File)
	assert.Equal(t, 2, findings[0].Location.Line)
}

func TestCommand_EmptyOutput(t *testing.T) {
	findings, err := shell("cat >/dev/null").Analyze(context.Background(), scope.ScanScope{Root: t.TempDir(), Members: []string{"a"}})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestCommand_Failures(t *testing.T) {
	sc := scope.ScanScope{Root: t.TempDir(), Members: []string{"a"}}

	_, err := shell("echo boom >&2; exit 3").Analyze(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = shell("echo not-json").Analyze(context.Background(), sc)
	assert.Error(t, err)

	_, err = shell(`echo '[{"severity":"urgent"}]'`).Analyze(context.Background(), sc)
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("  semgrep --json  --config auto ")
	require.NoError(t, err)
	assert.Equal(t, "semgrep", cmd.Name)
	assert.Equal(t, []string{"--json", "--config", "auto"}, cmd.Args)
	assert.Equal(t, "semgrep --json --config auto", cmd.String())

	_, err = ParseCommand("   ")
	assert.Error(t, err)
}

func TestCommand_Fingerprint(t *testing.T) {
	a, err := ParseCommand("audit --strict")
	require.NoError(t, err)
	b, err := ParseCommand("  audit   --strict ")
	require.NoError(t, err)
	c, err := ParseCommand("audit --lenient")
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.NotEqual(t, Command{Name: "a b"}.Fingerprint(), Command{Name: "a", Args: []string{"b"}}.Fingerprint())
}
