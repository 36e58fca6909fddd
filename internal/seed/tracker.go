package seed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/metrics"
)

// Deleter removes one remote record.
type Deleter interface {
	DeleteRecord(ctx context.Context, table, sysID string) error
}

// CleanupItem identifies one record handled by a cleanup.
type CleanupItem struct {
	Table string `json:"table"`
	SysID string `json:"sys_id"`
}

// CleanupFailure is a record that could not be deleted and is still
// tracked.
type CleanupFailure struct {
	Table string `json:"table"`
	SysID string `json:"sys_id"`
	Error string `json:"error"`
}

// CleanupReport lists the outcome of every tracked record of a tag.
type CleanupReport struct {
	Tag     string           `json:"tag"`
	Deleted []CleanupItem    `json:"deleted"`
	Failed  []CleanupFailure `json:"failed"`
}

// Tracker groups remotely created records by tag. Calls on different tags
// run independently; calls on the same tag are serialized.
type Tracker struct {
	store Store

	locksMu sync.Mutex
	locks   map[string]*tagLock

	now    func() time.Time
	logger zerolog.Logger
}

// tagLock is dropped from Tracker.locks once no caller holds or waits on it.
type tagLock struct {
	mu   sync.Mutex
	refs int
}

// NewTracker creates a tracker backed by store.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		locks:  map[string]*tagLock{},
		now:    time.Now,
		logger: logger.With().Str("component", "seed_tracker").Logger(),
	}
}

func (t *Tracker) lock(tag string) func() {
	t.locksMu.Lock()
	l, ok := t.locks[tag]
	if !ok {
		l = &tagLock{}
		t.locks[tag] = l
	}
	l.refs++
	t.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, tag)
		}
		t.locksMu.Unlock()
	}
}

// Record tracks sysID in table under tag. Registrations are never
// deduplicated.
func (t *Tracker) Record(ctx context.Context, tag, table, sysID string) (Entry, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Entry{}, apperr.Validation("seed tag is required")
	}
	unlock := t.lock(tag)
	defer unlock()

	entry := Entry{
		ID:        uuid.NewString(),
		Tag:       tag,
		Table:     strings.TrimSpace(table),
		SysID:     strings.TrimSpace(sysID),
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.Add(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("tracking seeded record: %w", err)
	}
	return entry, nil
}

// Entries returns what is currently tracked under tag.
func (t *Tracker) Entries(ctx context.Context, tag string) ([]Entry, error) {
	return t.store.List(ctx, strings.TrimSpace(tag))
}

// Tags summarizes all tags with tracked records.
func (t *Tracker) Tags(ctx context.Context) ([]TagSummary, error) {
	return t.store.Tags(ctx)
}

// Cleanup deletes every record tracked under tag, newest first. Each record
// is handled on its own: successes stop being tracked, failures stay tracked
// with their reason and never abort the batch. An unknown tag yields an
// empty report.
func (t *Tracker) Cleanup(ctx context.Context, tag string, deleter Deleter) (CleanupReport, error) {
	tag = strings.TrimSpace(tag)
	report := CleanupReport{Tag: tag, Deleted: []CleanupItem{}, Failed: []CleanupFailure{}}
	if tag == "" {
		return report, apperr.Validation("seed tag is required")
	}
	unlock := t.lock(tag)
	defer unlock()

	entries, err := t.store.List(ctx, tag)
	if err != nil {
		return report, fmt.Errorf("listing seeded records for tag %q: %w", tag, err)
	}

	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if delErr := deleter.DeleteRecord(ctx, entry.Table, entry.SysID); delErr != nil {
			reason := delErr.Error()
			report.Failed = append(report.Failed, CleanupFailure{Table: entry.Table, SysID: entry.SysID, Error: reason})
			metrics.SeededRecordsTotal.WithLabelValues("delete_failed").Inc()
			if err := t.store.SetLastError(ctx, entry.ID, reason); err != nil {
				t.logger.Warn().Err(err).Str("tag", tag).Str("entry_id", entry.ID).Msg("recording cleanup failure")
			}
			continue
		}

		report.Deleted = append(report.Deleted, CleanupItem{Table: entry.Table, SysID: entry.SysID})
		metrics.SeededRecordsTotal.WithLabelValues("deleted").Inc()
		if err := t.store.Remove(ctx, entry.ID); err != nil {
			t.logger.Warn().Err(err).Str("tag", tag).Str("entry_id", entry.ID).Msg("untracking deleted record")
		}
	}

	t.logger.Info().
		Str("tag", tag).
		Int("deleted", len(report.Deleted)).
		Int("failed", len(report.Failed)).
		Msg("seed cleanup finished")
	return report, nil
}
