package seed

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/metrics"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

// Client creates and deletes remote records.
type Client interface {
	CreateRecord(ctx context.Context, table string, fields record.Record) (string, error)
	DeleteRecord(ctx context.Context, table, sysID string) error
}

// Result describes a finished seed call.
type Result struct {
	Tag     string   `json:"tag"`
	Table   string   `json:"table"`
	SysIDs  []string `json:"sys_ids"`
	Created int      `json:"created"`
}

// Service seeds test records and cleans them up by tag.
type Service struct {
	tracker *Tracker
	client  Client
	gate    *policy.WriteGate
	catalog *policy.Catalog
	logger  zerolog.Logger
}

// NewService wires the seeding workflow.
func NewService(tracker *Tracker, client Client, gate *policy.WriteGate, catalog *policy.Catalog, logger zerolog.Logger) *Service {
	return &Service{
		tracker: tracker,
		client:  client,
		gate:    gate,
		catalog: catalog,
		logger:  logger.With().Str("component", "seed").Logger(),
	}
}

// NewTag returns a generated tag of the form seed-xxxxxxxx.
func NewTag() string {
	return "seed-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Seed creates records in table and tracks every created sys_id under tag
// as soon as it exists. An empty tag is generated. The first create failure
// stops the batch; records created before it stay tracked.
func (s *Service) Seed(ctx context.Context, table string, records []record.Record, tag string) (Result, error) {
	if err := s.gate.Require("seed"); err != nil {
		return Result{}, err
	}
	table = strings.TrimSpace(table)
	if err := s.catalog.CheckTableAccess(table); err != nil {
		return Result{}, err
	}
	if len(records) == 0 {
		return Result{}, apperr.Validation("records must contain at least one record")
	}
	for i, rec := range records {
		if len(rec) == 0 {
			return Result{}, apperr.Validation("record %d is empty", i)
		}
		if err := rec.Validate(); err != nil {
			return Result{}, apperr.Wrap(apperr.KindValidation, err, "record %d: %s", i, err.Error())
		}
	}

	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = NewTag()
	}

	result := Result{Tag: tag, Table: table, SysIDs: make([]string, 0, len(records))}
	for i, rec := range records {
		sysID, err := s.client.CreateRecord(ctx, table, rec)
		if err != nil {
			s.logger.Warn().Err(err).Str("tag", tag).Str("table", table).Int("created", result.Created).Msg("seed batch stopped")
			return result, fmt.Errorf("creating record %d of %d in %s (tag %s, %d already created and tracked): %w", i+1, len(records), table, tag, result.Created, err)
		}
		if _, err := s.tracker.Record(ctx, tag, table, sysID); err != nil {
			return result, fmt.Errorf("record %s created in %s but not tracked: %w", sysID, table, err)
		}
		metrics.SeededRecordsTotal.WithLabelValues("created").Inc()
		result.SysIDs = append(result.SysIDs, sysID)
		result.Created++
	}

	s.logger.Info().Str("tag", tag).Str("table", table).Int("created", result.Created).Msg("seeded test records")
	return result, nil
}

// Cleanup deletes everything tracked under tag. Each entry's table is
// checked against the deny list before its delete; a denied entry fails
// and stays tracked.
func (s *Service) Cleanup(ctx context.Context, tag string) (CleanupReport, error) {
	if err := s.gate.Require("cleanup"); err != nil {
		return CleanupReport{}, err
	}
	return s.tracker.Cleanup(ctx, tag, guardedDeleter{catalog: s.catalog, next: s.client})
}

type guardedDeleter struct {
	catalog *policy.Catalog
	next    Deleter
}

func (d guardedDeleter) DeleteRecord(ctx context.Context, table, sysID string) error {
	if err := d.catalog.CheckTableAccess(table); err != nil {
		return err
	}
	return d.next.DeleteRecord(ctx, table, sysID)
}

// Tags lists tags that still have tracked records.
func (s *Service) Tags(ctx context.Context) ([]TagSummary, error) {
	return s.tracker.Tags(ctx)
}
