// Package session keeps the durable remediation ledger: which findings a
// repository has, which are fixed, and which remain, across invocations.
//
// Unlike the cache, ledger files are never discarded silently. A corrupt
// file is moved aside and reported.
package session

import (
	"sort"
	"time"

	"github.com/arch-stack/scancache/internal/finding"
)

// RemediationSession is the persisted state of one session key.
type RemediationSession struct {
	ID          string            `json:"id"`
	Key         string            `json:"key"`
	CreatedAt   time.Time         `json:"createdAt"`
	LastUpdated time.Time         `json:"lastUpdated"`
	Findings    []finding.Finding `json:"findings"`
	FixedIDs    []string          `json:"fixedIds"`
	// MissingSince records when an open finding first stopped being
	// reported, while its regression window runs.
	MissingSince map[string]time.Time `json:"missingSince,omitempty"`

	// Warnings are surfaced to the caller but never persisted.
	Warnings []string `json:"-"`
}

// Status summarises remediation progress.
type Status struct {
	Key       string            `json:"key" yaml:"key"`
	Total     int               `json:"total" yaml:"total"`
	Fixed     int               `json:"fixed" yaml:"fixed"`
	FixedIDs  []string          `json:"fixedIds" yaml:"fixedIds"`
	Remaining []finding.Finding `json:"remaining" yaml:"remaining"`
	Warnings  []string          `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Status computes the session's progress. Remaining findings are ordered
// by severity, then location.
func (s *RemediationSession) Status() Status {
	st := Status{
		Key:       s.Key,
		Total:     len(s.Findings),
		FixedIDs:  append([]string{}, s.FixedIDs...),
		Remaining: []finding.Finding{},
		Warnings:  append([]string(nil), s.Warnings...),
	}
	for _, f := range s.Findings {
		if f.Fixed {
			st.Fixed++
			continue
		}
		st.Remaining = append(st.Remaining, f)
	}
	sortFindings(st.Remaining)
	return st
}

func (s *RemediationSession) index() map[string]int {
	idx := make(map[string]int, len(s.Findings))
	for i, f := range s.Findings {
		idx[f.ID] = i
	}
	return idx
}

func (s *RemediationSession) openIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, f := range s.Findings {
		if !f.Fixed {
			ids[f.ID] = struct{}{}
		}
	}
	return ids
}

func (s *RemediationSession) setFixed(i int, fixed bool) {
	id := s.Findings[i].ID
	s.Findings[i].Fixed = fixed
	pos := sort.SearchStrings(s.FixedIDs, id)
	present := pos < len(s.FixedIDs) && s.FixedIDs[pos] == id
	switch {
	case fixed && !present:
		s.FixedIDs = append(s.FixedIDs, "")
		copy(s.FixedIDs[pos+1:], s.FixedIDs[pos:])
		s.FixedIDs[pos] = id
	case !fixed && present:
		s.FixedIDs = append(s.FixedIDs[:pos], s.FixedIDs[pos+1:]...)
	}
	if fixed {
		delete(s.MissingSince, id)
	}
}

func sortFindings(fs []finding.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Severity != fs[j].Severity {
			return fs[i].Severity < fs[j].Severity
		}
		if fs[i].Location.File != fs[j].Location.File {
			return fs[i].Location.File < fs[j].Location.File
		}
		if fs[i].Location.Line != fs[j].Location.Line {
			return fs[i].Location.Line < fs[j].Location.Line
		}
		return fs[i].ID < fs[j].ID
	})
}
