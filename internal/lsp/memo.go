package lsp

import (
	"sync"

	"github.com/arch-stack/scancache/internal/finding"
	"github.com/arch-stack/scancache/internal/fingerprint"
)

// DefaultMemoEntries bounds the memo; it is emptied when full.
const DefaultMemoEntries = 1024

// Memo keeps scan results of unsaved buffers keyed by file and content
// digest. It lives only as long as the server.
type Memo struct {
	mu      sync.RWMutex
	max     int
	entries map[memoKey][]finding.Finding
}

type memoKey struct {
	file   string
	digest fingerprint.Digest
}

// NewMemo creates a memo holding at most max entries.
func NewMemo(max int) *Memo {
	if max <= 0 {
		max = DefaultMemoEntries
	}
	return &Memo{max: max, entries: make(map[memoKey][]finding.Finding)}
}

func (m *Memo) Get(file, content string) ([]finding.Finding, bool) {
	k := memoKey{file: file, digest: fingerprint.Bytes([]byte(content))}
	m.mu.RLock()
	defer m.mu.RUnlock()
	findings, ok := m.entries[k]
	return findings, ok
}

func (m *Memo) Put(file, content string, findings []finding.Finding) {
	k := memoKey{file: file, digest: fingerprint.Bytes([]byte(content))}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[k]; !ok && len(m.entries) >= m.max {
		m.entries = make(map[memoKey][]finding.Finding)
	}
	m.entries[k] = findings
}

// Clear empties the memo, e.g. after the rules changed.
func (m *Memo) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[memoKey][]finding.Finding)
}

func (m *Memo) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
