package lsp

import (
	"sync"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/arch-stack/scancache/internal/finding"
)

// Document is an open editor buffer and the results of its last scan.
// Findings[i] produced Diagnostics[i].
type Document struct {
	URI         protocol.DocumentUri
	Version     int32
	Content     string
	Diagnostics []protocol.Diagnostic
	Findings    []finding.Finding
}

// DocumentStore tracks open documents.
type DocumentStore struct {
	mu        sync.RWMutex
	documents map[protocol.DocumentUri]*Document
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{documents: make(map[protocol.DocumentUri]*Document)}
}

// Set stores or replaces a document, dropping its previous results.
func (ds *DocumentStore) Set(uri protocol.DocumentUri, version int32, content string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.documents[uri] = &Document{URI: uri, Version: version, Content: content}
}

// Get returns a copy of the document.
func (ds *DocumentStore) Get(uri protocol.DocumentUri) (Document, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	doc, ok := ds.documents[uri]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// SetResults records the scan results of an open document.
func (ds *DocumentStore) SetResults(uri protocol.DocumentUri, diagnostics []protocol.Diagnostic, findings []finding.Finding) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if doc, ok := ds.documents[uri]; ok {
		doc.Diagnostics = diagnostics
		doc.Findings = findings
	}
}

func (ds *DocumentStore) Delete(uri protocol.DocumentUri) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.documents, uri)
}

// URIs lists the open documents.
func (ds *DocumentStore) URIs() []protocol.DocumentUri {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	uris := make([]protocol.DocumentUri, 0, len(ds.documents))
	for uri := range ds.documents {
		uris = append(uris, uri)
	}
	return uris
}
