package scope

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// DefaultReference is the commit changed-mode scopes diff against.
const DefaultReference = "HEAD"

// GitChanges lists tracked files that differ from a reference plus
// untracked, non-ignored files, using the git binary.
type GitChanges struct {
	// Binary defaults to "git".
	Binary string
}

// ChangedFiles implements ChangedFilesProvider.
func (g GitChanges) ChangedFiles(ctx context.Context, root, reference string) ([]string, error) {
	if reference == "" {
		reference = DefaultReference
	}
	if strings.HasPrefix(reference, "-") {
		return nil, errors.Errorf("invalid reference %q", reference)
	}

	diff, err := g.run(ctx, root, "diff", "--name-only", "--relative", reference, "--")
	if err != nil {
		return nil, errors.Wrapf(err, "diffing against %s", reference)
	}
	untracked, err := g.run(ctx, root, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, errors.Wrap(err, "listing untracked files")
	}
	return append(diff, untracked...), nil
}

func (g GitChanges) run(ctx context.Context, root string, args ...string) ([]string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, append([]string{"-C", root}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, strings.TrimSpace(stderr.String()))
	}

	var files []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			files = append(files, line)
		}
	}
	return files, sc.Err()
}

// StaticChanges is a fixed ChangedFilesProvider, useful when the caller
// already knows which files changed.
type StaticChanges []string

// ChangedFiles implements ChangedFilesProvider.
func (s StaticChanges) ChangedFiles(context.Context, string, string) ([]string, error) {
	return append([]string(nil), s...), nil
}
