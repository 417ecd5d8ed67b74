package tracer

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/trace-engine/internal/ledger/stub"
	"github.com/rawblock/trace-engine/pkg/models"
)

func newTestFetcher(client *stub.Client, limits Limits) (*windowFetcher, *noteSet) {
	notes := &noteSet{}
	return newWindowFetcher(client, models.ChainEthereum, limits.WithDefaults(), client.Head, notes, nil, zerolog.Nop()), notes
}

func transfer(tx string, block uint64, from, to string) models.TransferEvent {
	return models.TransferEvent{TxHash: tx, BlockNumber: block, From: from, To: to, Value: big.NewInt(1)}
}

func TestFetch_EscalatesWindowsUntilBlockZero(t *testing.T) {
	addr := stub.Addr(1)
	client := stub.New(2_000_000)
	client.AddEvent(addr, models.Outgoing, transfer("0x1", 1_900_000, addr, stub.Addr(2)))

	f, notes := newTestFetcher(client, DefaultLimits())
	events, truncated, err := f.fetch(context.Background(), addr, 0)
	require.NoError(t, err)

	assert.False(t, truncated)
	assert.Len(t, events, 1)
	assert.Equal(t, []models.BlockRange{
		{From: 1_950_000, To: 2_000_000},
		{From: 1_700_000, To: 1_950_000},
		{From: 700_000, To: 1_700_000},
		{From: 0, To: 700_000},
	}, f.searchedRanges())
	assert.Empty(t, notes.list())
}

func TestFetch_StopsAtLookbackCap(t *testing.T) {
	client := stub.New(20_000_000)
	f, notes := newTestFetcher(client, DefaultLimits())

	events, truncated, err := f.fetch(context.Background(), stub.Addr(1), 0)
	require.NoError(t, err)

	assert.Empty(t, events)
	assert.False(t, truncated)
	ranges := f.searchedRanges()
	require.Len(t, ranges, 6)
	assert.Equal(t, models.BlockRange{From: 5_000_000, To: 11_200_000}, ranges[5], "the last window is clamped to the lookback floor")
	assert.Equal(t, []string{NoteLookbackCap}, notes.list())

	for _, q := range client.Queries() {
		assert.GreaterOrEqual(t, q.From, uint64(5_000_000))
	}
}

func TestFetch_PerHopCapFlagsWindowReachingGenesis(t *testing.T) {
	addr := stub.Addr(1)
	client := stub.New(1000)
	for i := 0; i < 20; i++ {
		client.AddEvent(addr, models.Outgoing, transfer(stub.Addr(200+i), uint64(900+i), addr, stub.Addr(2)))
	}

	f, notes := newTestFetcher(client, DefaultLimits())
	events, truncated, err := f.fetch(context.Background(), addr, 0)
	require.NoError(t, err)

	assert.Len(t, events, 15)
	assert.True(t, truncated, "dropping events above the per-hop cap is a truncation even at block 0")
	assert.Equal(t, []models.BlockRange{{From: 0, To: 1000}}, f.searchedRanges())
	assert.Empty(t, notes.list())
}

func TestFetch_ExhaustedWindowsAddNote(t *testing.T) {
	addr := stub.Addr(1)
	client := stub.New(1000)
	client.AddEvent(addr, models.Outgoing, transfer("0x1", 500, addr, stub.Addr(2)))

	f, notes := newTestFetcher(client, Limits{BlockWindows: []uint64{100, 200}})
	events, truncated, err := f.fetch(context.Background(), addr, 0)
	require.NoError(t, err)

	assert.Empty(t, events)
	assert.False(t, truncated)
	assert.Equal(t, []models.BlockRange{{From: 900, To: 1000}, {From: 700, To: 900}}, f.searchedRanges())
	assert.Equal(t, []string{NoteWindowsExhausted}, notes.list())
}

func TestFetch_PerHopCapKeepsNewestAndFlags(t *testing.T) {
	addr := stub.Addr(1)
	client := stub.New(100_000)
	for i := 0; i < 20; i++ {
		client.AddEvent(addr, models.Incoming, transfer(stub.Addr(100+i), uint64(90_000+i), stub.Addr(2), addr))
	}

	f, _ := newTestFetcher(client, DefaultLimits())
	events, truncated, err := f.fetch(context.Background(), addr, 0)
	require.NoError(t, err)

	assert.True(t, truncated)
	require.Len(t, events, 15)
	assert.Equal(t, uint64(90_019), events[0].BlockNumber)
	assert.Equal(t, uint64(90_005), events[14].BlockNumber)
	assert.Len(t, f.searchedRanges(), 1)
}

func TestFetch_CursorSkipsCoveredBlocks(t *testing.T) {
	addr := stub.Addr(1)
	client := stub.New(1000)
	client.AddEvent(addr, models.Outgoing, transfer("0x1", 10, addr, stub.Addr(2)))

	f, _ := newTestFetcher(client, DefaultLimits())
	_, _, err := f.fetch(context.Background(), addr, 1)
	require.NoError(t, err)
	queried := len(client.Queries())
	assert.Equal(t, 2, queried)

	events, _, err := f.fetch(context.Background(), addr, 1)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Len(t, client.Queries(), queried, "covered state is not searched again")

	// A different depth is a different state.
	events, _, err = f.fetch(context.Background(), addr, 2)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, []models.BlockRange{{From: 0, To: 1000}}, f.searchedRanges())
}

func TestFetch_WindowFailureKeepsEarlierWindows(t *testing.T) {
	addr := stub.Addr(1)
	client := stub.New(2_000_000)
	client.AddEvent(addr, models.Outgoing, transfer("0x1", 1_990_000, addr, stub.Addr(2)))

	var calls atomic.Int32
	client.BlockQueries = func(_ context.Context, q stub.Query) error {
		if q.From < 1_950_000 {
			return errors.New("rpc down")
		}
		calls.Add(1)
		return nil
	}

	f, notes := newTestFetcher(client, DefaultLimits())
	events, _, err := f.fetch(context.Background(), addr, 0)
	require.NoError(t, err)

	assert.Len(t, events, 1)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []models.BlockRange{{From: 1_950_000, To: 2_000_000}}, f.searchedRanges())
	assert.Equal(t, []string{NoteWindowFailed}, notes.list())
}

func TestFetch_WindowTimeoutIsRecoverable(t *testing.T) {
	client := stub.New(1000)
	client.BlockQueries = func(ctx context.Context, _ stub.Query) error {
		<-ctx.Done()
		return ctx.Err()
	}

	f, notes := newTestFetcher(client, Limits{WindowTimeout: 10 * time.Millisecond})
	events, _, err := f.fetch(context.Background(), stub.Addr(1), 0)
	require.NoError(t, err)

	assert.Empty(t, events)
	assert.Equal(t, []string{NoteWindowFailed}, notes.list())
	assert.Equal(t, []models.BlockRange{{From: 0, To: 1000}}, f.searchedRanges(), "falls back to the first window")
}

func TestFetch_CancelledContextIsReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := stub.New(1000)
	client.BlockQueries = func(qctx context.Context, _ stub.Query) error {
		cancel()
		return qctx.Err()
	}

	f, _ := newTestFetcher(client, DefaultLimits())
	_, _, err := f.fetch(ctx, stub.Addr(1), 0)
	require.ErrorIs(t, err, context.Canceled)
}
