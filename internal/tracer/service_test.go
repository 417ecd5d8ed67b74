package tracer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/trace-engine/internal/heuristics"
	"github.com/rawblock/trace-engine/internal/ledger"
	"github.com/rawblock/trace-engine/internal/ledger/stub"
	"github.com/rawblock/trace-engine/pkg/models"
)

const (
	addrA = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	addrB = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(client ledger.Client, opts Options) (*Service, *ResultCache) {
	registry := ledger.NewRegistry()
	if client != nil {
		registry.Register(models.ChainEthereum, client)
	}
	cache := NewResultCache(DefaultCacheSize, nil)
	opts.Now = func() time.Time { return fixedNow }
	return NewService(registry, cache, opts), cache
}

// assertStructure checks the shape every trace must have.
func assertStructure(t *testing.T, r models.TraceResult) {
	t.Helper()
	require.NotEmpty(t, r.Nodes)
	assert.Equal(t, 0, r.Nodes[0].Depth)
	assert.Empty(t, r.Nodes[0].ParentID)
	assert.Equal(t, RootTxHash, r.Nodes[0].TransactionHash)
	assert.NotEmpty(t, r.RequestID)

	byID := map[string]models.TraceNode{r.Nodes[0].ID: r.Nodes[0]}
	hops := 0
	for _, n := range r.Nodes[1:] {
		hops++
		parent, ok := byID[n.ParentID]
		if assert.True(t, ok, "parent %q of %q appears earlier", n.ParentID, n.ID) {
			assert.Equal(t, parent.Depth+1, n.Depth)
		}
		_, dup := byID[n.ID]
		assert.False(t, dup, "duplicate node id %q", n.ID)
		byID[n.ID] = n
	}
	assert.Equal(t, hops, r.Meta.TransfersAnalyzed)
	assert.Equal(t, hops == 0, r.Meta.NoTransfersFound)

	seen := map[string]bool{}
	for _, note := range r.Meta.Notes {
		assert.False(t, seen[note], "note %q repeated", note)
		seen[note] = true
	}
}

func countNote(notes []string, note string) int {
	n := 0
	for _, s := range notes {
		if s == note {
			n++
		}
	}
	return n
}

func TestTrace_ThreeOutgoingTransfers(t *testing.T) {
	client := stub.New(1000)
	amounts := []int64{100, 50, 25}
	for i, amount := range amounts {
		client.AddEvent(addrA, models.Outgoing, models.TransferEvent{
			TxHash:      stub.Addr(0xf00 + i),
			BlockNumber: uint64(100 * (i + 1)),
			From:        addrA,
			To:          stub.Addr(i + 1),
			Value:       stub.Units(amount, 6),
		})
	}

	svc, _ := newTestService(client, Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: addrA, Depth: 2})
	require.NoError(t, err)
	assertStructure(t, r)

	require.Len(t, r.Nodes, 4)
	assert.Equal(t, 3, r.Meta.TransfersAnalyzed)
	assert.Equal(t, 1, r.Meta.DepthExplored)
	assert.False(t, r.Meta.NoTransfersFound)
	assert.Equal(t, stub.Addr(3), r.Summary.FinalDestination)
	assert.Equal(t, []models.BlockRange{{From: 0, To: 1000}}, r.Meta.SearchedBlockRanges)
	assert.Equal(t, models.ChainEthereum, r.ChainHint)
	assert.Equal(t, addrA, r.RootAddress)
	assert.Empty(t, r.Meta.Notes)

	for i, amount := range amounts {
		assert.True(t, decimal.NewFromInt(amount).Equal(r.Nodes[i+1].TokenAmount))
	}

	// The three counterparties were expanded at depth 1.
	queried := client.QueriedAddresses()
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 2, queried[stub.Addr(i)])
	}
}

func TestTrace_UnavailableClientIsEmptyTrace(t *testing.T) {
	svc, _ := newTestService(nil, Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: addrB})
	require.NoError(t, err)
	assertStructure(t, r)

	require.Len(t, r.Nodes, 1)
	assert.True(t, r.Meta.NoTransfersFound)
	assert.InDelta(t, 0.25, r.Summary.FinalDestinationConfidence, 1e-9)
	assert.Equal(t, addrB, r.Summary.FinalDestination)
	assert.Empty(t, r.Meta.SearchedBlockRanges)
	assert.Contains(t, r.Meta.Notes, NoteLedgerUnavailable)
	assert.Contains(t, r.Meta.Notes, NoteNoTransfers)
	assert.Equal(t, "ETH", r.Balances.Native.Symbol)
	assert.Equal(t, "0", r.Balances.Token.Raw)
}

func TestTrace_TronHasNoClient(t *testing.T) {
	svc, _ := newTestService(stub.New(1000), Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8", Chain: models.ChainTron})
	require.NoError(t, err)

	assert.Len(t, r.Nodes, 1)
	assert.Equal(t, models.ChainTron, r.ChainHint)
	assert.Equal(t, "TRX", r.Balances.Native.Symbol)
}

func TestTrace_DepthClamp(t *testing.T) {
	client := stub.New(1000)
	for i := 0; i < 12; i++ {
		from, to := stub.Addr(i), stub.Addr(i+1)
		client.AddEvent(from, models.Outgoing, models.TransferEvent{
			TxHash: stub.Addr(0x100 + i), BlockNumber: uint64(10 + i), From: from, To: to, Value: big.NewInt(1),
		})
	}

	svc, _ := newTestService(client, Options{})

	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(0), Depth: 999})
	require.NoError(t, err)
	assertStructure(t, r)
	assert.Equal(t, 10, r.Meta.DepthExplored)
	assert.Equal(t, 10, r.Meta.TransfersAnalyzed)
	assert.Contains(t, r.Meta.Notes, NoteDepthLimit)

	r, err = svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(0), Chain: models.ChainEthereum})
	require.NoError(t, err)
	assert.Equal(t, 5, r.Meta.DepthExplored)
}

func TestTrace_QueueBound(t *testing.T) {
	const maxQueue = 5
	client := stub.New(1000)
	root := stub.Addr(1)
	for i := 0; i < maxQueue+50; i++ {
		client.AddEvent(root, models.Outgoing, models.TransferEvent{
			TxHash: stub.Addr(0x1000 + i), BlockNumber: uint64(i + 1), From: root, To: stub.Addr(100 + i), Value: big.NewInt(1),
		})
	}

	svc, _ := newTestService(client, Options{Limits: Limits{MaxQueue: maxQueue, EventsPerHop: 100}})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: root, Depth: 2})
	require.NoError(t, err)
	assertStructure(t, r)

	assert.Equal(t, maxQueue+50, r.Meta.TransfersAnalyzed)
	assert.Equal(t, 1, countNote(r.Meta.Notes, NoteQueueTruncated))

	queried := client.QueriedAddresses()
	delete(queried, root)
	assert.Len(t, queried, maxQueue, "only queued children are expanded")
	for i := 0; i < maxQueue; i++ {
		assert.Contains(t, queried, stub.Addr(100+i), "earliest children are queued first")
	}
}

func TestTrace_ReturnToOriginAndRevisits(t *testing.T) {
	client := stub.New(1000)
	a, b := stub.Addr(1), stub.Addr(2)
	client.AddTransfer(models.TransferEvent{TxHash: "0x01", BlockNumber: 10, From: a, To: b, Value: big.NewInt(1)})
	client.AddTransfer(models.TransferEvent{TxHash: "0x02", BlockNumber: 20, From: b, To: a, Value: big.NewInt(1)})

	svc, _ := newTestService(client, Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: a, Depth: 3})
	require.NoError(t, err)
	assertStructure(t, r)

	var returns int
	for _, n := range r.Nodes[1:] {
		if n.AddressLabel == ReturnToOriginLabel {
			returns++
			assert.True(t, strings.EqualFold(a, n.Address))
		}
	}
	assert.Positive(t, returns)
	assert.Equal(t, 3, r.Meta.DepthExplored)
}

func TestTrace_LabelsDriveRisk(t *testing.T) {
	client := stub.New(1000)
	a, thief := stub.Addr(1), stub.Addr(2)
	client.AddEvent(a, models.Outgoing, models.TransferEvent{TxHash: "0x01", BlockNumber: 10, From: a, To: thief, Value: big.NewInt(1)})

	labels := heuristics.NewLabelRegistry()
	labels.Tag(heuristics.AddressLabel{Address: thief, Role: heuristics.RoleSanctioned, Label: "OFAC SDN"})

	svc, _ := newTestService(client, Options{Labels: labels})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: a, Depth: 1})
	require.NoError(t, err)

	require.Len(t, r.Nodes, 2)
	assert.Equal(t, models.RiskHigh, r.Nodes[1].RiskLevel)
	assert.Equal(t, 1, r.Summary.SuspiciousHopCount)
	assert.InDelta(t, 0.95, r.Summary.SuspiciousConfidence, 1e-9)
}

type failingLabels struct{}

func (failingLabels) LookupLabels(context.Context, []string) (map[string]heuristics.AddressLabel, error) {
	return nil, errors.New("db down")
}

func TestTrace_LabelFailureIsIgnored(t *testing.T) {
	client := stub.New(1000)
	a := stub.Addr(1)
	client.AddEvent(a, models.Outgoing, models.TransferEvent{TxHash: "0x01", BlockNumber: 10, From: a, To: stub.Addr(2), Value: big.NewInt(1)})

	svc, _ := newTestService(client, Options{Labels: failingLabels{}})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: a, Depth: 1})
	require.NoError(t, err)
	require.Len(t, r.Nodes, 2)
	assert.Equal(t, models.RiskUnknown, r.Nodes[1].RiskLevel)
}

func TestTrace_Balances(t *testing.T) {
	client := stub.New(1000)
	a := stub.Addr(1)
	client.Tokens[a] = stub.Units(5, 6)
	client.Natives[a] = stub.Units(2, 18)

	svc, _ := newTestService(client, Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: a})
	require.NoError(t, err)

	assert.True(t, decimal.NewFromInt(5).Equal(r.Balances.Token.Amount))
	assert.Equal(t, "5000000", r.Balances.Token.Raw)
	assert.Equal(t, "USDT", r.Balances.Token.Symbol)
	assert.True(t, decimal.NewFromInt(2).Equal(r.Balances.Native.Amount))
	assert.Equal(t, "ETH", r.Balances.Native.Symbol)
}

func TestTrace_BalanceFailureIsZeroWithNote(t *testing.T) {
	client := stub.New(1000)
	client.BalanceErr = errors.New("eth_call reverted")

	svc, _ := newTestService(client, Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(1)})
	require.NoError(t, err)

	assert.Equal(t, "0", r.Balances.Token.Raw)
	assert.Contains(t, r.Meta.Notes, NoteBalanceFailed)
	assert.Equal(t, []models.BlockRange{{From: 0, To: 1000}}, r.Meta.SearchedBlockRanges)
}

func TestTrace_HeadFailureIsEmptyTraceWithBalances(t *testing.T) {
	client := stub.New(0)
	client.HeadErr = errors.New("connection refused")
	client.Tokens[stub.Addr(1)] = big.NewInt(42)

	svc, _ := newTestService(client, Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(1)})
	require.NoError(t, err)
	assertStructure(t, r)

	assert.Len(t, r.Nodes, 1)
	assert.Equal(t, "42", r.Balances.Token.Raw)
	assert.Contains(t, r.Meta.Notes, NoteHeadFailed)
	assert.Empty(t, r.Meta.SearchedBlockRanges)
	assert.Empty(t, client.Queries())
}

func TestTrace_WindowFailureAddsNote(t *testing.T) {
	client := stub.New(1000)
	client.FailEvents(stub.Addr(1), models.Incoming, errors.New("query timeout"))

	svc, _ := newTestService(client, Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(1)})
	require.NoError(t, err)

	assert.Equal(t, []string{NoteWindowFailed, NoteNoTransfers}, r.Meta.Notes)
	assert.Equal(t, []models.BlockRange{{From: 0, To: 1000}}, r.Meta.SearchedBlockRanges)
}

func TestTrace_CachedAndCompletionHook(t *testing.T) {
	client := stub.New(1000)
	var completed atomic.Int32
	svc, cache := newTestService(client, Options{OnComplete: func(models.TraceResult) { completed.Add(1) }})

	first, err := svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(1)})
	require.NoError(t, err)
	queries := len(client.Queries())

	second, err := svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(1)})
	require.NoError(t, err)

	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Len(t, client.Queries(), queries)
	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, 1, cache.Len())

	// An explicit chain is a different key.
	third, err := svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(1), Chain: models.ChainEthereum})
	require.NoError(t, err)
	assert.NotEqual(t, first.RequestID, third.RequestID)

	recent := svc.RecentResults(10)
	require.Len(t, recent, 2)
	assert.Equal(t, third.RequestID, recent[0].RequestID)
}

func TestTrace_SurroundingWhitespaceSharesCacheEntry(t *testing.T) {
	client := stub.New(1000)
	svc, cache := newTestService(client, Options{})

	first, err := svc.Trace(context.Background(), models.TraceRequest{Address: "  " + addrA + "\n"})
	require.NoError(t, err)

	second, err := svc.Trace(context.Background(), models.TraceRequest{Address: addrA})
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, cache.Len())
}

func TestTrace_IterationCapNote(t *testing.T) {
	client := stub.New(1000)
	// A fan-out of ten children, each with one onward transfer.
	for i := 0; i < 10; i++ {
		child := stub.Addr(10 + i)
		client.AddTransfer(models.TransferEvent{
			TxHash: stub.Addr(0x2000 + i), BlockNumber: uint64(100 + i), From: addrA, To: child, Value: big.NewInt(1),
		})
		client.AddTransfer(models.TransferEvent{
			TxHash: stub.Addr(0x3000 + i), BlockNumber: uint64(200 + i), From: child, To: stub.Addr(50 + i), Value: big.NewInt(1),
		})
	}

	svc, _ := newTestService(client, Options{Limits: Limits{MaxIterations: 3}})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: addrA, Depth: 3})
	require.NoError(t, err)
	assertStructure(t, r)

	assert.Equal(t, 1, countNote(r.Meta.Notes, NoteIterationCap))
	assert.Len(t, client.QueriedAddresses(), 3, "only the first three frontier items are expanded")
}

func TestTrace_PerHopCapSurfacesLogsNote(t *testing.T) {
	client := stub.New(1000)
	for i := 0; i < 20; i++ {
		client.AddEvent(addrA, models.Outgoing, models.TransferEvent{
			TxHash: stub.Addr(0x4000 + i), BlockNumber: uint64(900 + i), From: addrA, To: stub.Addr(100 + i), Value: big.NewInt(1),
		})
	}

	svc, _ := newTestService(client, Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: addrA, Depth: 2})
	require.NoError(t, err)
	assertStructure(t, r)

	assert.Equal(t, 15, r.Meta.TransfersAnalyzed)
	assert.Equal(t, 1, countNote(r.Meta.Notes, NoteLogsTruncated))
}

func TestTrace_LookupFailureDropsEventWithNote(t *testing.T) {
	client := stub.New(1000)
	for i := 0; i < 3; i++ {
		client.AddEvent(addrA, models.Outgoing, models.TransferEvent{
			TxHash: stub.Addr(0x5000 + i), BlockNumber: uint64(100 + i), From: addrA, To: stub.Addr(1 + i), Value: big.NewInt(1),
		})
	}
	failed := stub.Addr(0x5001)
	client.FeeErr[failed] = errors.New("tx lookup failed")

	svc, _ := newTestService(client, Options{})
	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: addrA, Depth: 1})
	require.NoError(t, err)
	assertStructure(t, r)

	assert.Equal(t, 2, r.Meta.TransfersAnalyzed, "the dropped event is not counted")
	assert.Equal(t, 1, countNote(r.Meta.Notes, NoteLookupFailed))
	for _, n := range r.Nodes {
		assert.NotEqual(t, failed, n.TransactionHash)
	}
}

func TestTrace_ConcurrentRequestsShareOneRun(t *testing.T) {
	client := stub.New(1000)
	release := make(chan struct{})
	client.BlockQueries = func(ctx context.Context, _ stub.Query) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	svc, _ := newTestService(client, Options{})

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(1)})
			if assert.NoError(t, err) {
				ids[i] = r.RequestID
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestTrace_CancellationIsNotCached(t *testing.T) {
	client := stub.New(1000)
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	client.BlockQueries = func(qctx context.Context, _ stub.Query) error {
		once.Do(cancel)
		return qctx.Err()
	}
	svc, cache := newTestService(client, Options{})

	_, err := svc.Trace(ctx, models.TraceRequest{Address: stub.Addr(1)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cache.Len())
	assert.Empty(t, svc.RecentResults(10))

	r, err := svc.Trace(context.Background(), models.TraceRequest{Address: stub.Addr(1)})
	require.NoError(t, err)
	assertStructure(t, r)
	assert.Eventually(t, func() bool { return cache.Len() == 1 }, time.Second, 10*time.Millisecond)
}
