// Package seed tracks records created for testing so they can be removed in
// bulk by tag.
package seed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store when an entry id is unknown.
var ErrNotFound = errors.New("seed entry not found")

// Entry is one tracked remote record.
type Entry struct {
	ID        string    `json:"id"`
	Tag       string    `json:"tag"`
	Table     string    `json:"table"`
	SysID     string    `json:"sys_id"`
	CreatedAt time.Time `json:"created_at"`
	LastError string    `json:"last_error,omitempty"`
}

// TagSummary counts the entries still tracked under a tag.
type TagSummary struct {
	Tag     string `json:"tag"`
	Records int    `json:"records"`
	Failed  int    `json:"failed"`
}

// Store persists tracked entries. Implementations must be safe for
// concurrent use.
type Store interface {
	Add(ctx context.Context, entry Entry) error
	List(ctx context.Context, tag string) ([]Entry, error)
	Remove(ctx context.Context, id string) error
	SetLastError(ctx context.Context, id, reason string) error
	Tags(ctx context.Context) ([]TagSummary, error)
}

// MemoryStore keeps entries in process memory. Entries are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	byTag map[string][]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTag: make(map[string][]Entry)}
}

// Add appends entry under its tag.
func (s *MemoryStore) Add(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTag[entry.Tag] = append(s.byTag[entry.Tag], entry)
	return nil
}

// List returns the entries for tag in insertion order.
func (s *MemoryStore) List(_ context.Context, tag string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.byTag[tag]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Remove deletes a single entry.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag, entries := range s.byTag {
		for i, entry := range entries {
			if entry.ID != id {
				continue
			}
			remaining := append(entries[:i:i], entries[i+1:]...)
			if len(remaining) == 0 {
				delete(s.byTag, tag)
			} else {
				s.byTag[tag] = remaining
			}
			return nil
		}
	}
	return ErrNotFound
}

// SetLastError records why the last cleanup attempt of an entry failed.
func (s *MemoryStore) SetLastError(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entries := range s.byTag {
		for i := range entries {
			if entries[i].ID == id {
				entries[i].LastError = reason
				return nil
			}
		}
	}
	return ErrNotFound
}

// Tags summarizes every tag that still has entries, sorted by tag.
func (s *MemoryStore) Tags(_ context.Context) ([]TagSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TagSummary, 0, len(s.byTag))
	for tag, entries := range s.byTag {
		summary := TagSummary{Tag: tag, Records: len(entries)}
		for _, entry := range entries {
			if entry.LastError != "" {
				summary.Failed++
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}
