package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/kya/internal/testutil"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	target, err := store.Target(ctx)
	require.NoError(t, err)
	assert.Empty(t, target)
	require.NoError(t, store.SetTarget(ctx, registryChain))
	target, err = store.Target(ctx)
	require.NoError(t, err)
	assert.Equal(t, registryChain, target)

	require.NoError(t, store.AddPending(ctx, &PendingRequest{
		CorrelationID: "scr_1", Agent: agentA, RequestedAt: testNow, Deadline: testNow.Add(time.Minute),
	}))
	require.NoError(t, store.AddPending(ctx, &PendingRequest{
		CorrelationID: "scr_2", Agent: agentA, RequestedAt: testNow, Deadline: testNow.Add(time.Hour),
	}))
	require.NoError(t, store.AddPending(ctx, &PendingRequest{
		CorrelationID: "scr_3", Agent: agentA, RequestedAt: testNow, Deadline: testNow.Add(time.Hour),
	}))
	require.NoError(t, store.RemovePending(ctx, "scr_3"))
	require.NoError(t, store.RemovePending(ctx, "scr_unknown"))
	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c := &ScoreCommitment{
		Agent: agentA, Score: 512, Tier: "gold", Timestamp: testNow,
		RegistryChain: registryChain, CorrelationID: "scr_1",
		CommitmentHash: CommitmentHash(agentA, 512, testNow),
	}
	wrongAgent := *c
	wrongAgent.Agent = requester
	assert.ErrorIs(t, store.Fulfil(ctx, &wrongAgent), ErrNotPending)

	require.NoError(t, store.Fulfil(ctx, c))
	assert.ErrorIs(t, store.Fulfil(ctx, c), ErrNotPending)

	got, err := store.Commitment(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, c.CommitmentHash, got.CommitmentHash)
	assert.Equal(t, testNow, got.Timestamp)
	assert.Equal(t, "scr_1", got.CorrelationID)
	assert.True(t, got.Verify())

	// Overwrite with a registered commitment.
	later := testNow.Add(time.Hour)
	require.NoError(t, store.PutCommitment(ctx, &ScoreCommitment{
		Agent: agentA, Score: 100, Tier: "unverified", Timestamp: later,
		RegistryChain: registryChain, CommitmentHash: CommitmentHash(agentA, 100, later),
	}))
	got, err = store.Commitment(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), got.Score)

	total, err := store.TotalCommitments(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)

	expired, err := store.ExpirePending(ctx, testNow.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "scr_2", expired[0].CorrelationID)
	n, err = store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.Commitment(ctx, requester)
	assert.ErrorIs(t, err, ErrCommitmentNotFound)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	testStore(t, store)
}
