package seed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

type fakeClient struct {
	fakeDeleter
	createMu  sync.Mutex
	next      int
	failAfter int
}

func (c *fakeClient) CreateRecord(_ context.Context, table string, _ record.Record) (string, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()
	if c.failAfter > 0 && c.next >= c.failAfter {
		return "", apperr.Server("ServiceNow returned 500 creating record in %s", table)
	}
	c.next++
	return fmt.Sprintf("sys-%d", c.next), nil
}

func newSeedService(t *testing.T, env policy.Environment) (*Service, *fakeClient, *Tracker) {
	t.Helper()
	client := &fakeClient{fakeDeleter: fakeDeleter{fail: map[string]error{}}}
	tracker := NewTracker(NewMemoryStore(), zerolog.Nop())
	svc := NewService(tracker, client, policy.NewWriteGate(policy.StaticEnvironment(env)), policy.NewCatalog(nil, nil), zerolog.Nop())
	return svc, client, tracker
}

func TestSeed_GeneratesTagAndTracks(t *testing.T) {
	svc, _, tracker := newSeedService(t, policy.Environment{Label: policy.EnvDev})
	ctx := context.Background()

	res, err := svc.Seed(ctx, "incident", []record.Record{{"short_description": "a"}, {"short_description": "b"}}, "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.Tag, "seed-"))
	require.Len(t, res.Tag, len("seed-")+8)
	require.Equal(t, 2, res.Created)
	require.Equal(t, []string{"sys-1", "sys-2"}, res.SysIDs)

	entries, err := tracker.Entries(ctx, res.Tag)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	report, err := svc.Cleanup(ctx, res.Tag)
	require.NoError(t, err)
	require.Len(t, report.Deleted, 2)
}

func TestSeed_StopsAtFirstFailureAndKeepsCreated(t *testing.T) {
	svc, client, tracker := newSeedService(t, policy.Environment{Label: policy.EnvTest})
	client.failAfter = 1
	ctx := context.Background()

	res, err := svc.Seed(ctx, "incident", []record.Record{{"n": 1}, {"n": 2}, {"n": 3}}, "t1")
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindServer))
	require.Contains(t, err.Error(), "tag t1")
	require.Equal(t, 1, res.Created)

	entries, err := tracker.Entries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "sys-1", entries[0].SysID)
}

func TestSeedAndCleanup_GatedInProd(t *testing.T) {
	svc, client, _ := newSeedService(t, policy.Environment{Label: policy.EnvProd})
	ctx := context.Background()

	_, err := svc.Seed(ctx, "incident", []record.Record{{"n": 1}}, "t1")
	require.True(t, apperr.IsKind(err, apperr.KindWriteGating))
	require.Equal(t, 0, client.next)

	_, err = svc.Cleanup(ctx, "t1")
	require.True(t, apperr.IsKind(err, apperr.KindWriteGating))

	allowed, _, _ := newSeedService(t, policy.Environment{Label: policy.EnvProd, AllowWritesOverride: true})
	_, err = allowed.Seed(ctx, "incident", []record.Record{{"n": 1}}, "t1")
	require.NoError(t, err)
}

func TestSeed_Validation(t *testing.T) {
	svc, client, _ := newSeedService(t, policy.Environment{Label: policy.EnvDev})
	ctx := context.Background()

	_, err := svc.Seed(ctx, "sys_user_token", []record.Record{{"n": 1}}, "")
	require.True(t, apperr.IsKind(err, apperr.KindPolicy))

	_, err = svc.Seed(ctx, "incident", nil, "")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.Seed(ctx, "incident", []record.Record{{"n": 1}, {"bad": []string{"x"}}}, "")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	require.Equal(t, 0, client.next, "validation runs before any record is created")
}

func TestCleanup_DeniedTableStaysTracked(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{fakeDeleter: fakeDeleter{fail: map[string]error{}}}
	tracker := NewTracker(NewMemoryStore(), zerolog.Nop())
	gate := policy.NewWriteGate(policy.StaticEnvironment(policy.Environment{Label: policy.EnvDev}))
	svc := NewService(tracker, client, gate, policy.NewCatalog([]string{"u_vault"}, nil), zerolog.Nop())

	_, err := tracker.Record(ctx, "t1", "incident", "A")
	require.NoError(t, err)
	_, err = tracker.Record(ctx, "t1", "u_vault", "B")
	require.NoError(t, err)

	report, err := svc.Cleanup(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []CleanupItem{{Table: "incident", SysID: "A"}}, report.Deleted)
	require.Len(t, report.Failed, 1)
	require.Equal(t, "B", report.Failed[0].SysID)
	require.Contains(t, report.Failed[0].Error, "access to table 'u_vault' is denied by policy")
	require.Equal(t, []string{"incident/A"}, client.deleted)

	entries, err := tracker.Entries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "u_vault", entries[0].Table)
}
