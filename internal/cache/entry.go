// Package cache stores analysis results keyed by scope fingerprint, one
// directory per namespace, one JSON file per entry.
package cache

import (
	"encoding/json"
	"time"

	"github.com/arch-stack/scancache/internal/fingerprint"
)

// Entry is one cached analysis result. Entries are immutable once written:
// invalidation removes the file and a later Put writes a fresh one.
type Entry struct {
	ScopeFingerprint     fingerprint.Digest            `json:"scopeFingerprint"`
	Namespace            string                        `json:"namespace"`
	CreatedAt            time.Time                     `json:"createdAt"`
	TTLSeconds           int64                         `json:"ttlSeconds"`
	PerInputFingerprints map[string]fingerprint.Digest `json:"perInputFingerprints"`
	Payload              json.RawMessage               `json:"payload"`
}

// TTL returns the entry lifetime.
func (e Entry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// Expired reports whether now is past the entry's TTL.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL()
}

// HasMember reports whether id was one of the fingerprinted inputs.
func (e Entry) HasMember(id string) bool {
	_, ok := e.PerInputFingerprints[id]
	return ok
}
