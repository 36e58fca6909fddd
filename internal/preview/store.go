// Package preview implements the two-phase preview/apply workflow for record
// updates.
package preview

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 5 * time.Minute

// Token states. Applied, expired and cancelled are terminal.
const (
	stateProposed int32 = iota
	stateApplied
	stateExpired
	stateCancelled
)

// Proposal is the pending mutation held behind a token.
type Proposal struct {
	Table   string
	SysID   string
	Changes record.Record
}

// Token describes a stored proposal.
type Token struct {
	Value     string
	Proposal  Proposal
	CreatedAt time.Time
	ExpiresAt time.Time
}

type entry struct {
	proposal  Proposal
	createdAt time.Time
	expiresAt time.Time
	state     atomic.Int32
}

// Store holds proposals keyed by an unguessable token. Entries are
// independent: operations on different tokens never contend, and concurrent
// consumers of one token see exactly one winner.
type Store struct {
	entries sync.Map // map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store whose tokens live for ttl. The TTL is fixed for
// the life of the store.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the lifetime of new tokens.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create stores p and returns its token.
func (s *Store) Create(p Proposal) (Token, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Token{}, fmt.Errorf("generating preview token: %w", err)
	}

	now := s.now()
	e := &entry{
		proposal: Proposal{
			Table:   p.Table,
			SysID:   p.SysID,
			Changes: p.Changes.Clone(),
		},
		createdAt: now,
		expiresAt: now.Add(s.ttl),
	}
	s.entries.Store(id.String(), e)

	return tokenFrom(id.String(), e), nil
}

// Get returns a live token without consuming it.
func (s *Store) Get(token string) (Token, error) {
	e, err := s.live(token)
	if err != nil {
		return Token{}, err
	}
	return tokenFrom(token, e), nil
}

// Consume redeems token exactly once. Unknown, consumed and cancelled tokens
// fail with NotFoundError; tokens older than the TTL fail with ExpiredError.
func (s *Store) Consume(token string) (Proposal, error) {
	e, err := s.live(token)
	if err != nil {
		return Proposal{}, err
	}
	if !e.state.CompareAndSwap(stateProposed, stateApplied) {
		return Proposal{}, notFound(token)
	}
	s.entries.Delete(token)

	return Proposal{
		Table:   e.proposal.Table,
		SysID:   e.proposal.SysID,
		Changes: e.proposal.Changes.Clone(),
	}, nil
}

// Cancel discards a live token.
func (s *Store) Cancel(token string) error {
	e, err := s.live(token)
	if err != nil {
		return err
	}
	if !e.state.CompareAndSwap(stateProposed, stateCancelled) {
		return notFound(token)
	}
	s.entries.Delete(token)
	return nil
}

// Purge drops expired and finished entries and returns how many were
// removed. Expiry is enforced on read regardless of purging.
func (s *Store) Purge() int {
	now := s.now()
	removed := 0
	s.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		if e.state.Load() != stateProposed || expired(e, now) {
			e.state.CompareAndSwap(stateProposed, stateExpired)
			s.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Store) live(token string) (*entry, error) {
	value, ok := s.entries.Load(token)
	if !ok {
		return nil, notFound(token)
	}
	e := value.(*entry)
	if e.state.Load() != stateProposed {
		return nil, notFound(token)
	}
	if expired(e, s.now()) {
		if e.state.CompareAndSwap(stateProposed, stateExpired) {
			s.entries.Delete(token)
			return nil, apperr.Expired("preview token %s expired at %s; run the preview again", token, e.expiresAt.UTC().Format(time.RFC3339))
		}
		return nil, notFound(token)
	}
	return e, nil
}

func expired(e *entry, now time.Time) bool {
	return now.After(e.expiresAt)
}

func notFound(token string) error {
	return apperr.NotFound("preview token %s not found or already used", token)
}

func tokenFrom(value string, e *entry) Token {
	return Token{
		Value: value,
		Proposal: Proposal{
			Table:   e.proposal.Table,
			SysID:   e.proposal.SysID,
			Changes: e.proposal.Changes.Clone(),
		},
		CreatedAt: e.createdAt,
		ExpiresAt: e.expiresAt,
	}
}
