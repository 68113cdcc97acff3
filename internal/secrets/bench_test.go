package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arch-stack/scancache/internal/scope"
)

func writeTestFile(t testing.TB, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func BenchmarkScanner_SmallFile(b *testing.B) {
	scanner := newTestScanner(b)
	content := `package main

import "fmt"

` + awsLine + `

func main() {
	fmt.Println("Hello")
}
`
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = scanner.ScanContent(ctx, "test.go", content)
	}
}

func BenchmarkScanner_LargeFile(b *testing.B) {
	scanner := newTestScanner(b)
	var sb strings.Builder
	sb.WriteString("package main\n\n")
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&sb, "func function%d() {\n\tvar x = %d\n\t_ = x\n}\n\n", i, i)
		if i == 500 {
			sb.WriteString(awsLine + "\n")
		}
	}
	content := sb.String()
	ctx := context.Background()
	b.SetBytes(int64(len(content)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = scanner.ScanContent(ctx, "large.go", content)
	}
}

func BenchmarkScanner_NoSecrets(b *testing.B) {
	scanner := newTestScanner(b)
	content := strings.Repeat("// nothing to see here\n", 200)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = scanner.ScanContent(ctx, "clean.go", content)
	}
}

func BenchmarkScanner_Analyze50Files(b *testing.B) {
	scanner := newTestScanner(b)
	root := b.TempDir()
	members := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("pkg/file_%02d.go", i)
		writeTestFile(b, root, name, "package pkg\n\nvar v = 1\n")
		members = append(members, name)
	}
	sc := scope.ScanScope{Mode: scope.ModeFull, Root: root, Members: members, Total: len(members)}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := scanner.Analyze(ctx, sc); err != nil {
			b.Fatal(err)
		}
	}
}
