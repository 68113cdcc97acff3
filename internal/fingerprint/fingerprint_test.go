package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestBytes_MatchesReader(t *testing.T) {
	d, err := Reader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, Bytes([]byte("hello")), d)
	assert.Equal(t, Digest("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"), d)
}

func TestFile_Missing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadable))
}

func TestScope_OrderIndependent(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "1", "b.txt": "2", "dir/c.txt": "3"})
	store := NewStore(root)
	ctx := context.Background()

	first, err := store.Scope(ctx, []string{"a.txt", "b.txt", "dir/c.txt"})
	require.NoError(t, err)
	second, err := store.Scope(ctx, []string{"dir/c.txt", "a.txt", "b.txt", "a.txt"})
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.Members, second.Members)
	assert.True(t, first.Complete())
}

func TestScope_ParallelMatchesSequential(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{}
	var members []string
	for i := 0; i < 64; i++ {
		name := filepath.ToSlash(filepath.Join("pkg", string(rune('a'+i%26)), strings.Repeat("x", i%5+1)+".go"))
		files[name] = strings.Repeat("line\n", i)
		members = append(members, name)
	}
	writeFiles(t, root, files)

	sequential := &Store{Root: root, Workers: 1}
	parallel := &Store{Root: root, Workers: 16}

	a, err := sequential.Scope(context.Background(), members)
	require.NoError(t, err)
	b, err := parallel.Scope(context.Background(), members)
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
}

func TestScope_ContentChangeChangesDigest(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "1", "b.txt": "2"})
	store := NewStore(root)

	before, err := store.Scope(context.Background(), []string{"a.txt", "b.txt"})
	require.NoError(t, err)

	writeFiles(t, root, map[string]string{"b.txt": "22"})
	after, err := store.Scope(context.Background(), []string{"a.txt", "b.txt"})
	require.NoError(t, err)

	assert.NotEqual(t, before.Digest, after.Digest)
	assert.Equal(t, before.Members["a.txt"], after.Members["a.txt"])
	assert.NotEqual(t, before.Members["b.txt"], after.Members["b.txt"])
}

func TestScope_UnreadableMemberIsUnknown(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "1"})

	result, err := NewStore(root).Scope(context.Background(), []string{"a.txt", "gone.txt"})
	require.NoError(t, err)

	assert.False(t, result.Complete())
	assert.Equal(t, []string{"gone.txt"}, result.Unknown)
	assert.Contains(t, result.Members, "a.txt")
	assert.NotContains(t, result.Members, "gone.txt")
}

func TestCombine_IdentifierIsPartOfDigest(t *testing.T) {
	d := Bytes([]byte("same"))
	assert.NotEqual(t,
		Combine(map[string]Digest{"a.txt": d}),
		Combine(map[string]Digest{"b.txt": d}))
}
