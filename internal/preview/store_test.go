package preview

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testProposal() Proposal {
	return Proposal{Table: "incident", SysID: "abc123", Changes: record.Record{"state": "2"}}
}

func TestStore_CreateAndConsume(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, WithClock(clock.Now))

	token, err := store.Create(testProposal())
	require.NoError(t, err)
	require.NotEmpty(t, token.Value)
	require.Equal(t, clock.Now().Add(time.Minute), token.ExpiresAt)

	got, err := store.Get(token.Value)
	require.NoError(t, err)
	require.Equal(t, "incident", got.Proposal.Table)

	proposal, err := store.Consume(token.Value)
	require.NoError(t, err)
	require.Equal(t, testProposal(), proposal)
	require.Equal(t, 0, store.Len())
}

func TestStore_SecondConsumeIsNotFound(t *testing.T) {
	store := NewStore(time.Minute)
	token, err := store.Create(testProposal())
	require.NoError(t, err)

	_, err = store.Consume(token.Value)
	require.NoError(t, err)

	_, err = store.Consume(token.Value)
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestStore_UnknownToken(t *testing.T) {
	_, err := NewStore(time.Minute).Consume("nope")
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestStore_ExpiredWithoutPurge(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, WithClock(clock.Now))
	token, err := store.Create(testProposal())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = store.Get(token.Value)
	require.NoError(t, err, "a token is valid up to and including its TTL")

	clock.Advance(time.Second)
	_, err = store.Consume(token.Value)
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindExpired))
	require.Contains(t, err.Error(), "expired")
}

func TestStore_ConcurrentConsumeHasOneWinner(t *testing.T) {
	store := NewStore(time.Minute)
	token, err := store.Create(testProposal())
	require.NoError(t, err)

	const workers = 32
	var wins, notFound atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.Consume(token.Value)
			switch {
			case err == nil:
				wins.Add(1)
			case apperr.IsKind(err, apperr.KindNotFound):
				notFound.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(workers-1), notFound.Load())
}

func TestStore_ChangesAreCopied(t *testing.T) {
	store := NewStore(time.Minute)
	changes := record.Record{"state": "2"}
	token, err := store.Create(Proposal{Table: "incident", SysID: "a", Changes: changes})
	require.NoError(t, err)

	changes["state"] = "7"
	proposal, err := store.Consume(token.Value)
	require.NoError(t, err)
	require.Equal(t, "2", proposal.Changes["state"])
}

func TestStore_CancelAndPurge(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, WithClock(clock.Now))

	cancelled, err := store.Create(testProposal())
	require.NoError(t, err)
	require.NoError(t, store.Cancel(cancelled.Value))
	require.True(t, apperr.IsKind(store.Cancel(cancelled.Value), apperr.KindNotFound))
	_, err = store.Consume(cancelled.Value)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = store.Create(testProposal())
	require.NoError(t, err)
	live, err := store.Create(testProposal())
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	clock.Advance(2 * time.Minute)
	require.Equal(t, 2, store.Purge())
	require.Equal(t, 0, store.Len())

	_, err = store.Consume(live.Value)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestNewStore_DefaultTTL(t *testing.T) {
	require.Equal(t, DefaultTTL, NewStore(0).TTL())
}
