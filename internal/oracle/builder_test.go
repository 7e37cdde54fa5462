package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/messages"
)

const (
	bridgeChain   = "0x00000000000000000000000000000000000000cc"
	registryChain = "0x00000000000000000000000000000000000000aa"
	agentA        = "0x1111111111111111111111111111111111111111"
	requester     = "0x4444444444444444444444444444444444444444"
)

var testNow = time.Date(2026, 5, 10, 14, 0, 0, 0, time.UTC)

var (
	anyone = chain.Caller{Address: requester}
	admin  = chain.Caller{Address: requester, Authorized: true}
)

type fakeOutbox struct {
	mu     sync.Mutex
	sent   []messages.Message
	to     []string
	fail   error
	onSend func(m messages.Message)
}

func (f *fakeOutbox) ChainID() string { return bridgeChain }

func (f *fakeOutbox) Send(_ context.Context, to, _ string, m messages.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(m)
	}
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, m)
	f.to = append(f.to, to)
	return nil
}

func newTestBuilder(t *testing.T) (*Builder, *fakeOutbox, *chain.ManualClock) {
	t.Helper()
	clock := chain.NewManualClock(testNow)
	out := &fakeOutbox{}
	b := NewBuilder(NewMemoryStore(), out, WithClock(clock), WithRequestTimeout(time.Minute))
	return b, out, clock
}

func initialized(t *testing.T) (*Builder, *fakeOutbox, *chain.ManualClock) {
	t.Helper()
	b, out, clock := newTestBuilder(t)
	require.NoError(t, b.Initialize(context.Background(), admin, registryChain))
	return b, out, clock
}

func respond(t *testing.T, b *Builder, from string, resp messages.ScoreResponse) {
	t.Helper()
	require.NoError(t, b.HandleDelivery(context.Background(), &messages.Delivery{
		ID: "resp-" + resp.CorrelationID, From: from, Message: resp,
	}))
}

func TestCommitmentHash_Layout(t *testing.T) {
	ts := time.Unix(1700000000, 123456000).UTC()

	var buf []byte
	buf = append(buf, common.HexToAddress(agentA).Bytes()...)
	buf = append(buf, 0x02, 0x9a) // 666
	micros, _ := hex.DecodeString("00060a2418202240")
	buf = append(buf, micros...)
	want := sha256.Sum256(buf)

	require.Equal(t, int64(0x00060a2418202240), ts.UnixMicro())
	assert.Equal(t, common.Hash(want), CommitmentHash(agentA, 666, ts))
}

func TestCommitmentHash_Deterministic(t *testing.T) {
	h := CommitmentHash(agentA, 500, testNow)
	assert.Equal(t, h, CommitmentHash("0x1111111111111111111111111111111111111111", 500, testNow))
	assert.NotEqual(t, h, CommitmentHash(agentA, 501, testNow))
	assert.NotEqual(t, h, CommitmentHash(agentA, 500, testNow.Add(time.Microsecond)))
	assert.NotEqual(t, h, CommitmentHash(requester, 500, testNow))
}

func TestInitialize_RequiresAuthorization(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	ctx := context.Background()

	assert.ErrorIs(t, b.Initialize(ctx, chain.Anonymous, registryChain), chain.ErrNotAuthenticated)
	assert.ErrorIs(t, b.Initialize(ctx, anyone, registryChain), chain.ErrNotAuthorized)
	assert.ErrorIs(t, b.Initialize(ctx, admin, "nope"), chain.ErrInvalidRequest)
}

func TestRequestCommitment_NotInitialized(t *testing.T) {
	b, out, _ := newTestBuilder(t)
	_, err := b.RequestCommitment(context.Background(), anyone, agentA)
	assert.ErrorIs(t, err, chain.ErrNotInitialized)
	assert.Empty(t, out.sent)
}

func TestRequestCommitment_ResponseCreatesCommitment(t *testing.T) {
	b, out, _ := initialized(t)
	ctx := context.Background()

	id, err := b.RequestCommitment(ctx, anyone, agentA)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, out.sent, 1)
	assert.Equal(t, registryChain, out.to[0])
	req, ok := out.sent[0].(messages.ScoreRequest)
	require.True(t, ok)
	assert.Equal(t, agentA, req.Agent)
	assert.Equal(t, bridgeChain, req.RequesterChain)
	assert.Equal(t, id, req.CorrelationID)

	snapshot := testNow.Add(time.Second)
	resp := messages.ScoreResponse{Agent: agentA, Score: 640, Tier: "gold", Timestamp: snapshot, CorrelationID: id}
	respond(t, b, registryChain, resp)

	c, err := b.Commitment(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, uint16(640), c.Score)
	assert.Equal(t, "gold", c.Tier)
	assert.Equal(t, registryChain, c.RegistryChain)
	assert.Equal(t, id, c.CorrelationID)
	assert.Equal(t, CommitmentHash(agentA, 640, snapshot), c.CommitmentHash)
	assert.True(t, b.VerifyCommitment(*c))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalCommitments)
	assert.Zero(t, stats.PendingRequests)

	// A duplicate delivery of the same response is dropped.
	respond(t, b, registryChain, resp)
	stats, err = b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalCommitments)
}

func TestHandleDelivery_DropsUnsolicited(t *testing.T) {
	b, _, _ := initialized(t)
	ctx := context.Background()

	respond(t, b, registryChain, messages.ScoreResponse{Agent: agentA, Score: 999, CorrelationID: "scr_unknown"})
	respond(t, b, registryChain, messages.ScoreResponse{Agent: agentA, Score: 999})

	id, err := b.RequestCommitment(ctx, anyone, agentA)
	require.NoError(t, err)
	// Right correlation ID from a chain other than the registry.
	respond(t, b, requester, messages.ScoreResponse{Agent: agentA, Score: 999, CorrelationID: id})
	// Right correlation ID for a different agent.
	respond(t, b, registryChain, messages.ScoreResponse{Agent: requester, Score: 999, CorrelationID: id})

	_, err = b.Commitment(ctx, agentA)
	assert.ErrorIs(t, err, ErrCommitmentNotFound)
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalCommitments)
	assert.Equal(t, 1, stats.PendingRequests)
}

func TestSweepExpired(t *testing.T) {
	b, _, clock := initialized(t)
	ctx := context.Background()

	id, err := b.RequestCommitment(ctx, anyone, agentA)
	require.NoError(t, err)

	n, err := b.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = b.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The late reply no longer matches a pending request.
	respond(t, b, registryChain, messages.ScoreResponse{Agent: agentA, Score: 300, Timestamp: testNow, CorrelationID: id})
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalCommitments)
	assert.Zero(t, stats.PendingRequests)
}

func TestRegisterCommitment(t *testing.T) {
	b, _, _ := initialized(t)
	ctx := context.Background()

	_, err := b.RegisterCommitment(ctx, chain.Anonymous, ScoreCommitment{Agent: agentA})
	assert.ErrorIs(t, err, chain.ErrNotAuthenticated)

	ts := testNow.Add(1500 * time.Nanosecond)
	hash, err := b.RegisterCommitment(ctx, anyone, ScoreCommitment{Agent: agentA, Score: 250, Tier: "verified", Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, CommitmentHash(agentA, 250, ts), hash)

	c, err := b.Commitment(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, registryChain, c.RegistryChain)
	assert.True(t, c.Verify())

	given := common.HexToHash("0xdead")
	hash, err = b.RegisterCommitment(ctx, anyone, ScoreCommitment{Agent: agentA, Score: 10, Timestamp: ts, CommitmentHash: given})
	require.NoError(t, err)
	assert.Equal(t, given, hash)

	c, err = b.Commitment(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), c.Score)
	assert.False(t, b.VerifyCommitment(*c))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.TotalCommitments)
}

func TestRequestCommitment_PendingRecordedBeforeSend(t *testing.T) {
	b, out, _ := initialized(t)
	ctx := context.Background()

	var pendingAtSend int
	out.onSend = func(messages.Message) {
		pendingAtSend, _ = b.store.PendingCount(ctx)
	}
	_, err := b.RequestCommitment(ctx, anyone, agentA)
	require.NoError(t, err)
	assert.Equal(t, 1, pendingAtSend)
}

func TestRequestCommitment_SendFailureLeavesNothingPending(t *testing.T) {
	b, out, _ := initialized(t)
	ctx := context.Background()

	out.fail = errors.New("bus down")
	id, err := b.RequestCommitment(ctx, anyone, agentA)
	require.Error(t, err)
	assert.Empty(t, id)

	n, err := b.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
