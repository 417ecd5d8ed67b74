package tracer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/trace-engine/internal/heuristics"
	"github.com/rawblock/trace-engine/internal/ledger"
	"github.com/rawblock/trace-engine/internal/metrics"
	"github.com/rawblock/trace-engine/pkg/models"
)

// ReturnToOriginLabel marks a hop whose counterparty is the traced address.
const ReturnToOriginLabel = "Origin wallet"

// RootTxHash is the transaction hash sentinel of the root node.
const RootTxHash = "root"

const gweiDecimals = 9

// nodeBuilder turns accepted transfer events into trace nodes. Lookups for
// one batch run concurrently; ids are assigned afterwards in batch order.
type nodeBuilder struct {
	client  ledger.Client
	chain   models.Chain
	token   ledger.TokenInfo
	root    string
	limits  Limits
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu         sync.Mutex
	blockTimes map[uint64]time.Time

	ids map[string]int
}

func newNodeBuilder(client ledger.Client, chain models.Chain, root string, limits Limits, m *metrics.Metrics, log zerolog.Logger) *nodeBuilder {
	return &nodeBuilder{
		client:     client,
		chain:      chain,
		token:      client.Token(),
		root:       root,
		limits:     limits,
		metrics:    m,
		log:        log,
		blockTimes: make(map[uint64]time.Time),
		ids:        make(map[string]int),
	}
}

// builtNode is the outcome of one event: a complete node or a drop.
type builtNode struct {
	node models.TraceNode
	ok   bool
}

// buildBatch builds one node per event for the children of parent. The
// returned nodes keep the order of events; events whose lookups failed are
// skipped. The only error returned is the cancellation of ctx.
func (b *nodeBuilder) buildBatch(ctx context.Context, parent frontierItem, events []models.TransferEvent, labels map[string]heuristics.AddressLabel) ([]models.TraceNode, bool, error) {
	results := make([]builtNode, len(events))

	var g errgroup.Group
	g.SetLimit(b.limits.BuildConcurrency)
	for i, ev := range events {
		g.Go(func() error {
			dir := models.DirectionFor(ev, parent.address)
			node, err := b.build(ctx, ev, parent.depth+1, parent.nodeID, dir, labels)
			b.metrics.EventLookedUp(err)
			if err != nil {
				if ctx.Err() == nil {
					b.log.Warn().Err(err).
						Str("tx", ev.TxHash).
						Uint64("block", ev.BlockNumber).
						Msg("event lookup failed, skipping transfer")
				}
				return nil
			}
			results[i] = builtNode{node: node, ok: true}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	nodes := make([]models.TraceNode, 0, len(results))
	dropped := false
	for i, r := range results {
		if !r.ok {
			dropped = true
			continue
		}
		r.node.ID = b.nextID(events[i])
		nodes = append(nodes, r.node)
	}
	return nodes, dropped, nil
}

// build constructs the node for one event. It fails when the transaction
// lookup or the block lookup fails; absent values fall back to zero fee and
// the epoch.
func (b *nodeBuilder) build(ctx context.Context, ev models.TransferEvent, depth int, parentID string, dir models.Direction, labels map[string]heuristics.AddressLabel) (models.TraceNode, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, b.limits.LookupTimeout)
	defer cancel()

	feeRate, err := b.client.FeeRate(lookupCtx, ev.TxHash)
	if err != nil {
		return models.TraceNode{}, fmt.Errorf("fee rate of %s: %w", ev.TxHash, err)
	}
	ts, err := b.blockTime(lookupCtx, ev.BlockNumber)
	if err != nil {
		return models.TraceNode{}, fmt.Errorf("time of block %d: %w", ev.BlockNumber, err)
	}

	address := dir.Counterparty(ev)
	node := models.TraceNode{
		ParentID:        parentID,
		Depth:           depth,
		Address:         address,
		Chain:           b.chain,
		TransactionHash: ev.TxHash,
		Timestamp:       ts,
		TokenAmount:     normalize(ev.Value, b.token.Decimals),
		ExchangeRate:    decimal.NewFromInt(1),
		Fee:             normalize(feeRate, gweiDecimals),
		RiskLevel:       models.RiskUnknown,
		RiskFactors:     []string{},
	}
	if address != "" && strings.EqualFold(address, b.root) {
		node.AddressLabel = ReturnToOriginLabel
	}
	if l, ok := labels[strings.ToLower(address)]; ok {
		node.RiskLevel = l.RiskLevel()
		node.RiskFactors = l.RiskFactors()
	}
	return node, nil
}

// blockTime memoizes block timestamps for the run. Unknown times map to
// the epoch.
func (b *nodeBuilder) blockTime(ctx context.Context, block uint64) (time.Time, error) {
	b.mu.Lock()
	ts, ok := b.blockTimes[block]
	b.mu.Unlock()
	if ok {
		return ts, nil
	}

	secs, err := b.client.BlockTime(ctx, block)
	if err != nil {
		return time.Time{}, err
	}
	ts = time.Unix(int64(secs), 0).UTC()

	b.mu.Lock()
	b.blockTimes[block] = ts
	b.mu.Unlock()
	return ts, nil
}

// nextID returns "<txHash>-<logIndex>", suffixed with "#n" when the same
// event was already materialized earlier in the run.
func (b *nodeBuilder) nextID(ev models.TransferEvent) string {
	base := fmt.Sprintf("%s-%d", ev.TxHash, ev.LogIndex)
	k := strings.ToLower(base)
	n := b.ids[k]
	b.ids[k] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s#%d", base, n)
}

// normalize converts a smallest-unit integer into a decimal with the given
// precision. Nil is zero.
func normalize(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

func rootNode(address string, chain models.Chain, now time.Time) models.TraceNode {
	return models.TraceNode{
		ID:              "root-" + address,
		Depth:           0,
		Address:         address,
		Chain:           chain,
		TransactionHash: RootTxHash,
		Timestamp:       now,
		TokenAmount:     decimal.Zero,
		ExchangeRate:    decimal.NewFromInt(1),
		Fee:             decimal.Zero,
		RiskLevel:       models.RiskUnknown,
		RiskFactors:     []string{},
	}
}
