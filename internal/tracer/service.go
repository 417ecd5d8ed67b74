// Package tracer explores the token-transfer graph reachable from an
// address and scores the result.
//
// A trace runs as one breadth-first state machine per request: the window
// fetcher pulls transfer events for a frontier address, Dedupe trims them,
// the node builder materializes hops, and the explorer enqueues the
// counterparties within the depth and queue limits. Every limit that stops
// the search short is reported as a note in the result meta.
package tracer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rawblock/trace-engine/internal/heuristics"
	"github.com/rawblock/trace-engine/internal/ledger"
	"github.com/rawblock/trace-engine/internal/metrics"
	"github.com/rawblock/trace-engine/pkg/models"
)

// nativeSymbols names the native asset per chain for results without a client.
var nativeSymbols = map[models.Chain]string{
	models.ChainTron:     "TRX",
	models.ChainEthereum: "ETH",
	models.ChainBSC:      "BNB",
	models.ChainPolygon:  "MATIC",
}

// Options configures a Service.
type Options struct {
	Limits  Limits
	Labels  heuristics.LabelSource // Optional
	Metrics *metrics.Metrics       // Optional

	// OnComplete is called with every freshly computed result.
	OnComplete func(models.TraceResult)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service is the trace engine facade used by the transport layer.
type Service struct {
	registry   *ledger.Registry
	cache      *ResultCache
	group      singleflight.Group
	limits     Limits
	labels     heuristics.LabelSource
	metrics    *metrics.Metrics
	onComplete func(models.TraceResult)
	now        func() time.Time
	log        zerolog.Logger
}

func NewService(registry *ledger.Registry, cache *ResultCache, opts Options) *Service {
	if cache == nil {
		cache = NewResultCache(DefaultCacheSize, opts.Metrics)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		registry:   registry,
		cache:      cache,
		limits:     opts.Limits.WithDefaults(),
		labels:     opts.Labels,
		metrics:    opts.Metrics,
		onComplete: opts.OnComplete,
		now:        now,
		log:        log.With().Str("component", "tracer").Logger(),
	}
}

// Limits returns the effective limits.
func (s *Service) Limits() Limits {
	return s.limits
}

// Trace returns the trace of req, from the cache when present. Upstream
// failures never surface as errors: they degrade to the empty trace or add
// notes. The only error is the cancellation of ctx, in which case nothing
// is cached.
func (s *Service) Trace(ctx context.Context, req models.TraceRequest) (models.TraceResult, error) {
	req.Address = strings.TrimSpace(req.Address)
	key := CacheKey(req.Chain, req.Address)
	if r, ok := s.cache.Get(key); ok {
		s.metrics.TraceDone(string(r.ChainHint), metrics.OutcomeCached)
		return r, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		return s.compute(ctx, key, req)
	})
	select {
	case <-ctx.Done():
		return models.TraceResult{}, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(models.TraceResult), nil
		}
		if ctx.Err() != nil {
			return models.TraceResult{}, ctx.Err()
		}
		// The shared run belonged to a caller that went away.
		return s.compute(ctx, key, req)
	}
}

// RecentResults returns up to limit cached results, most recent first.
func (s *Service) RecentResults(limit int) []models.TraceResult {
	return s.cache.Recent(limit)
}

func (s *Service) compute(ctx context.Context, key string, req models.TraceRequest) (models.TraceResult, error) {
	start := time.Now()
	r, err := s.trace(ctx, req)
	if err != nil {
		s.metrics.TraceDone(string(req.Chain), metrics.OutcomeCancelled)
		s.log.Debug().Err(err).Str("address", req.Address).Msg("trace cancelled")
		return models.TraceResult{}, err
	}

	s.cache.Put(key, r)
	outcome := metrics.OutcomeComputed
	if r.Meta.NoTransfersFound {
		outcome = metrics.OutcomeEmpty
	}
	s.metrics.TraceDone(string(r.ChainHint), outcome)
	s.metrics.TraceComputed(string(r.ChainHint), time.Since(start), len(r.Nodes))
	s.log.Info().
		Str("request_id", r.RequestID).
		Str("address", r.RootAddress).
		Str("chain", string(r.ChainHint)).
		Int("nodes", len(r.Nodes)).
		Dur("took", time.Since(start)).
		Msg("trace completed")

	if s.onComplete != nil {
		s.onComplete(r)
	}
	return r, nil
}

func (s *Service) trace(ctx context.Context, req models.TraceRequest) (models.TraceResult, error) {
	address := strings.TrimSpace(req.Address)
	chain, _ := ResolveChain(req)
	root := rootNode(address, chain, s.now())
	notes := &noteSet{}
	maxDepth := s.limits.ClampDepth(req.Depth)

	client, err := s.registry.Client(chain)
	if err != nil {
		s.log.Warn().Err(err).Str("chain", string(chain)).Str("address", address).Msg("no ledger client")
		notes.add(NoteLedgerUnavailable)
		return s.emptyTrace(root, chain, nil, notes, zeroBalances(chain, nil)), nil
	}

	balances := s.balances(ctx, client, chain, address, notes)
	if err := ctx.Err(); err != nil {
		return models.TraceResult{}, err
	}

	headCtx, cancel := context.WithTimeout(ctx, s.limits.LookupTimeout)
	head, err := client.LatestBlockHeight(headCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return models.TraceResult{}, ctx.Err()
		}
		s.log.Warn().Err(err).Str("chain", string(chain)).Msg("head lookup failed")
		notes.add(NoteHeadFailed)
		return s.emptyTrace(root, chain, nil, notes, balances), nil
	}

	ex := newExplorer(client, chain, address, head, maxDepth, s.limits, s.labels, notes, s.metrics,
		s.log.With().Str("chain", string(chain)).Str("root", address).Logger())
	nodes, err := ex.run(ctx, root)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return models.TraceResult{}, err
	}

	return s.assemble(root, chain, nodes, ex.fetcher.searchedRanges(), notes, balances), nil
}

// emptyTrace is the canonical root-only result.
func (s *Service) emptyTrace(root models.TraceNode, chain models.Chain, ranges []models.BlockRange, notes *noteSet, balances models.TraceBalances) models.TraceResult {
	return s.assemble(root, chain, []models.TraceNode{root}, ranges, notes, balances)
}

func (s *Service) assemble(root models.TraceNode, chain models.Chain, nodes []models.TraceNode, ranges []models.BlockRange, notes *noteSet, balances models.TraceBalances) models.TraceResult {
	meta := buildMeta(nodes, ranges, notes)
	return models.TraceResult{
		RequestID:   uuid.NewString(),
		RootAddress: root.Address,
		ChainHint:   chain,
		GeneratedAt: s.now(),
		Summary:     heuristics.Summarize(nodes, meta),
		Nodes:       nodes,
		Meta:        meta,
		Balances:    balances,
	}
}

func buildMeta(nodes []models.TraceNode, ranges []models.BlockRange, notes *noteSet) models.TraceMeta {
	meta := models.TraceMeta{SearchedBlockRanges: ranges}
	if meta.SearchedBlockRanges == nil {
		meta.SearchedBlockRanges = []models.BlockRange{}
	}
	for _, n := range nodes {
		if n.IsRoot() {
			continue
		}
		meta.TransfersAnalyzed++
		meta.DepthExplored = max(meta.DepthExplored, n.Depth)
		ts := n.Timestamp
		if meta.EarliestTransferAt == nil || ts.Before(*meta.EarliestTransferAt) {
			meta.EarliestTransferAt = &ts
		}
		if meta.LatestTransferAt == nil || ts.After(*meta.LatestTransferAt) {
			meta.LatestTransferAt = &ts
		}
	}
	meta.NoTransfersFound = meta.TransfersAnalyzed == 0
	if meta.NoTransfersFound {
		notes.add(NoteNoTransfers)
	}
	meta.Notes = notes.list()
	return meta
}

// balances fetches the token and native balances of address in parallel.
// A failed lookup yields zero and a note.
func (s *Service) balances(ctx context.Context, client ledger.Client, chain models.Chain, address string, notes *noteSet) models.TraceBalances {
	token := client.Token()
	var tokenRaw, nativeRaw *big.Int
	var tokenErr, nativeErr error

	lookupCtx, cancel := context.WithTimeout(ctx, s.limits.LookupTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		tokenRaw, tokenErr = client.TokenBalance(lookupCtx, address)
		return nil
	})
	g.Go(func() error {
		nativeRaw, nativeErr = client.NativeBalance(lookupCtx, address)
		return nil
	})
	_ = g.Wait()

	if err := errors.Join(tokenErr, nativeErr); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Str("address", address).Msg("balance lookup failed")
		notes.add(NoteBalanceFailed)
	}
	if tokenErr != nil {
		tokenRaw = nil
	}
	if nativeErr != nil {
		nativeRaw = nil
	}

	b := zeroBalances(chain, &token)
	b.Token = balanceOf(tokenRaw, token.Decimals, b.Token.Symbol)
	b.Native = balanceOf(nativeRaw, token.NativeDecimals, b.Native.Symbol)
	return b
}

func balanceOf(raw *big.Int, decimals int32, symbol string) models.Balance {
	if raw == nil {
		raw = new(big.Int)
	}
	return models.Balance{
		Amount: normalize(raw, decimals),
		Raw:    raw.String(),
		Symbol: symbol,
	}
}

func zeroBalances(chain models.Chain, token *ledger.TokenInfo) models.TraceBalances {
	tokenSymbol, nativeSymbol := "USDT", nativeSymbols[chain]
	if token != nil {
		if token.Symbol != "" {
			tokenSymbol = token.Symbol
		}
		if token.NativeSymbol != "" {
			nativeSymbol = token.NativeSymbol
		}
	}
	return models.TraceBalances{
		Token:  models.Balance{Amount: decimal.Zero, Raw: "0", Symbol: tokenSymbol},
		Native: models.Balance{Amount: decimal.Zero, Raw: "0", Symbol: nativeSymbol},
	}
}
