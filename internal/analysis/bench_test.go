package analysis

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func benchFiles(n int) map[string]string {
	files := make(map[string]string, n)
	for i := 0; i < n; i++ {
		files[fmt.Sprintf("src/file_%03d.go", i)] = strings.Repeat("package src\n", 50)
	}
	return files
}

func BenchmarkGetOrCompute_Hit(b *testing.B) {
	f := newFixture(b, benchFiles(50))
	sc := f.full(b)
	var calls int32
	analyzer := counting(&calls)
	cc := CacheConfig{Namespace: "lint"}
	ctx := context.Background()
	if _, err := f.engine.GetOrCompute(ctx, sc, cc, analyzer); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := f.engine.GetOrCompute(ctx, sc, cc, analyzer)
		if err != nil {
			b.Fatal(err)
		}
		if !res.FromCache {
			b.Fatal("expected a cache hit")
		}
	}
}

func BenchmarkGetOrCompute_Miss(b *testing.B) {
	f := newFixture(b, benchFiles(50))
	sc := f.full(b)
	var calls int32
	analyzer := counting(&calls)
	cc := CacheConfig{Namespace: "lint", NoCache: true}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.engine.GetOrCompute(ctx, sc, cc, analyzer); err != nil {
			b.Fatal(err)
		}
	}
}
