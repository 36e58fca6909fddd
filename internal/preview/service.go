package preview

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/metrics"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

// systemFields are maintained by the platform and never writable.
var systemFields = map[string]struct{}{
	"sys_id":         {},
	"sys_created_on": {},
	"sys_created_by": {},
	"sys_updated_on": {},
	"sys_updated_by": {},
	"sys_mod_count":  {},
}

// Client is the subset of the ServiceNow client used by previews.
type Client interface {
	GetRecord(ctx context.Context, table, sysID string) (record.Record, error)
	UpdateRecord(ctx context.Context, table, sysID string, changes record.Record) (record.Record, error)
	WritableFields(ctx context.Context, table string) ([]string, error)
}

// Result is returned by Preview.
type Result struct {
	Token     string                        `json:"token"`
	Table     string                        `json:"table"`
	SysID     string                        `json:"sys_id"`
	ExpiresAt time.Time                     `json:"expires_at"`
	Diff      map[string]record.FieldChange `json:"diff"`
}

// ApplyResult is returned by Apply.
type ApplyResult struct {
	Table  string                        `json:"table"`
	SysID  string                        `json:"sys_id"`
	Before record.Record                 `json:"before"`
	After  record.Record                 `json:"after"`
	Diff   map[string]record.FieldChange `json:"diff"`
}

// Service runs the preview/apply workflow on top of a Store.
type Service struct {
	store   *Store
	client  Client
	gate    *policy.WriteGate
	catalog *policy.Catalog
	masker  *policy.Masker
	logger  zerolog.Logger
}

// NewService wires the workflow dependencies.
func NewService(store *Store, client Client, gate *policy.WriteGate, catalog *policy.Catalog, masker *policy.Masker, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		client:  client,
		gate:    gate,
		catalog: catalog,
		masker:  masker,
		logger:  logger.With().Str("component", "preview").Logger(),
	}
}

// Preview validates a proposed update, snapshots the target, and stores the
// proposal behind a fresh token. Nothing is written remotely.
func (s *Service) Preview(ctx context.Context, table, sysID string, changes record.Record) (Result, error) {
	if err := s.gate.Require("preview"); err != nil {
		return Result{}, err
	}
	table = strings.TrimSpace(table)
	sysID = strings.TrimSpace(sysID)
	if err := s.catalog.CheckTableAccess(table); err != nil {
		return Result{}, err
	}
	if sysID == "" {
		return Result{}, apperr.Validation("sys_id is required")
	}
	if len(changes) == 0 {
		return Result{}, apperr.Validation("changes must contain at least one field")
	}
	if err := changes.Validate(); err != nil {
		return Result{}, apperr.Wrap(apperr.KindValidation, err, "invalid changes: %s", err.Error())
	}
	if err := s.checkWritable(ctx, table, changes); err != nil {
		return Result{}, err
	}

	before, err := s.client.GetRecord(ctx, table, sysID)
	if err != nil {
		return Result{}, err
	}
	if before == nil {
		return Result{}, apperr.NotFound("record %s not found in %s", sysID, table)
	}

	token, err := s.store.Create(Proposal{Table: table, SysID: sysID, Changes: changes})
	if err != nil {
		return Result{}, err
	}
	metrics.PreviewTokensTotal.WithLabelValues("created").Inc()
	s.logger.Info().
		Str("table", table).
		Str("sys_id", sysID).
		Strs("fields", changes.Fields()).
		Time("expires_at", token.ExpiresAt).
		Msg("preview token created")

	return Result{
		Token:     token.Value,
		Table:     table,
		SysID:     sysID,
		ExpiresAt: token.ExpiresAt,
		Diff:      s.masker.MaskDiff(record.Diff(before, changes)),
	}, nil
}

// Apply redeems token and performs the stored update exactly once. The write
// gate is re-evaluated before the token is touched. A remote failure after
// redemption is returned as-is and the token stays consumed.
func (s *Service) Apply(ctx context.Context, token string) (ApplyResult, error) {
	if err := s.gate.Require("apply"); err != nil {
		metrics.PreviewTokensTotal.WithLabelValues("rejected").Inc()
		return ApplyResult{}, err
	}

	proposal, err := s.store.Consume(strings.TrimSpace(token))
	if err != nil {
		event := "rejected"
		if apperr.IsKind(err, apperr.KindExpired) {
			event = "expired"
		}
		metrics.PreviewTokensTotal.WithLabelValues(event).Inc()
		return ApplyResult{}, err
	}
	if err := s.catalog.CheckTableAccess(proposal.Table); err != nil {
		return ApplyResult{}, err
	}

	before, err := s.client.GetRecord(ctx, proposal.Table, proposal.SysID)
	if err != nil {
		return ApplyResult{}, err
	}
	if before == nil {
		return ApplyResult{}, apperr.NotFound("record %s no longer exists in %s", proposal.SysID, proposal.Table)
	}

	after, err := s.client.UpdateRecord(ctx, proposal.Table, proposal.SysID, proposal.Changes)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("table", proposal.Table).
			Str("sys_id", proposal.SysID).
			Msg("apply failed after token was consumed")
		return ApplyResult{}, err
	}
	if after == nil {
		after = before.Merge(proposal.Changes)
	}
	metrics.PreviewTokensTotal.WithLabelValues("applied").Inc()
	s.logger.Info().
		Str("table", proposal.Table).
		Str("sys_id", proposal.SysID).
		Strs("fields", proposal.Changes.Fields()).
		Msg("preview applied")

	return ApplyResult{
		Table:  proposal.Table,
		SysID:  proposal.SysID,
		Before: s.masker.MaskRecord(before),
		After:  s.masker.MaskRecord(after),
		Diff:   s.masker.MaskDiff(record.Diff(before, proposal.Changes)),
	}, nil
}

// Cancel discards a pending token.
func (s *Service) Cancel(token string) error {
	if err := s.store.Cancel(strings.TrimSpace(token)); err != nil {
		return err
	}
	metrics.PreviewTokensTotal.WithLabelValues("cancelled").Inc()
	return nil
}

// Sweep purges expired tokens until ctx is done.
func (s *Service) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.store.TTL()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.Purge(); n > 0 {
				s.logger.Debug().Int("purged", n).Msg("purged stale preview tokens")
			}
		}
	}
}

func (s *Service) checkWritable(ctx context.Context, table string, changes record.Record) error {
	known, err := s.client.WritableFields(ctx, table)
	if err != nil {
		return err
	}
	writable := make(map[string]struct{}, len(known))
	for _, name := range known {
		writable[strings.ToLower(name)] = struct{}{}
	}

	var rejected []string
	for field := range changes {
		key := strings.ToLower(strings.TrimSpace(field))
		if _, system := systemFields[key]; system {
			rejected = append(rejected, field)
			continue
		}
		if _, ok := writable[key]; !ok {
			rejected = append(rejected, field)
		}
	}
	if len(rejected) == 0 {
		return nil
	}
	sort.Strings(rejected)
	return apperr.Validation("fields not writable on table '%s': %s", table, strings.Join(rejected, ", "))
}
