package tracer

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/trace-engine/internal/ledger"
	"github.com/rawblock/trace-engine/internal/metrics"
	"github.com/rawblock/trace-engine/pkg/models"
)

type stateKey struct {
	address string // lower-cased
	depth   int
}

// windowFetcher pulls transfer events for frontier items in escalating
// block windows. One fetcher serves one trace run; it is not safe for
// concurrent use.
type windowFetcher struct {
	client  ledger.Client
	chain   models.Chain
	limits  Limits
	head    uint64
	notes   *noteSet
	metrics *metrics.Metrics
	log     zerolog.Logger

	// cursors holds the lowest block already searched per state
	cursors    map[stateKey]uint64
	ranges     []models.BlockRange
	seenRanges map[models.BlockRange]struct{}
}

func newWindowFetcher(client ledger.Client, chain models.Chain, limits Limits, head uint64, notes *noteSet, m *metrics.Metrics, log zerolog.Logger) *windowFetcher {
	return &windowFetcher{
		client:     client,
		chain:      chain,
		limits:     limits,
		head:       head,
		notes:      notes,
		metrics:    m,
		log:        log,
		cursors:    make(map[stateKey]uint64),
		seenRanges: make(map[models.BlockRange]struct{}),
	}
}

// fetch returns the raw outgoing and incoming events of address, newest
// windows first. truncated reports that a window hit the per-hop cap, so
// older events exist that were not pulled. The only error returned is the
// cancellation of ctx; window failures end the search with what was gathered.
func (f *windowFetcher) fetch(ctx context.Context, address string, depth int) (events []models.TransferEvent, truncated bool, err error) {
	key := stateKey{address: strings.ToLower(address), depth: depth}
	floor := f.lookbackFloor()
	stopped := false

	for _, window := range f.limits.BlockWindows {
		if len(events) >= f.limits.MaxEventsPerNode {
			stopped = true
			break
		}
		latestSeen, ok := f.cursors[key]
		if !ok {
			latestSeen = f.head
		}
		var from uint64
		if latestSeen > window {
			from = latestSeen - window
		}
		from = max(from, floor)
		if latestSeen <= from {
			continue
		}

		combined, err := f.queryWindow(ctx, address, from, latestSeen)
		f.metrics.WindowFetched(string(f.chain), err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			f.log.Warn().Err(err).
				Str("address", address).
				Uint64("from", from).
				Uint64("to", latestSeen).
				Msg("window fetch failed")
			f.notes.add(NoteWindowFailed)
			stopped = true
			break
		}

		slices.SortStableFunc(combined, func(a, b models.TransferEvent) int {
			return cmp.Compare(b.BlockNumber, a.BlockNumber)
		})
		capped := len(combined) >= f.limits.EventsPerHop
		if capped {
			combined = combined[:f.limits.EventsPerHop]
			truncated = true
		}
		events = append(events, combined...)
		f.cursors[key] = from
		f.recordRange(models.BlockRange{From: from, To: latestSeen})

		if from == 0 {
			stopped = true
			break
		}
		if from <= floor {
			f.notes.add(NoteLookbackCap)
			f.metrics.Truncated("lookback")
			stopped = true
			break
		}
		if capped {
			stopped = true
			break
		}
	}

	// The configured windows ran out above the lookback floor.
	if !stopped {
		if cursor, ok := f.cursors[key]; ok && cursor > floor {
			f.notes.add(NoteWindowsExhausted)
			f.metrics.Truncated("windows")
		}
	}
	return events, truncated, nil
}

// lookbackFloor is the lowest block any window may reach.
func (f *windowFetcher) lookbackFloor() uint64 {
	if f.head > f.limits.MaxLookback {
		return f.head - f.limits.MaxLookback
	}
	return 0
}

// queryWindow runs the outgoing and incoming queries of one window in
// parallel under the window timeout. Outgoing events come first.
func (f *windowFetcher) queryWindow(ctx context.Context, address string, from, to uint64) ([]models.TransferEvent, error) {
	windowCtx, cancel := context.WithTimeout(ctx, f.limits.WindowTimeout)
	defer cancel()

	var outgoing, incoming []models.TransferEvent
	g, gctx := errgroup.WithContext(windowCtx)
	g.Go(func() error {
		var err error
		outgoing, err = f.client.TransferEvents(gctx, address, models.Outgoing, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		incoming, err = f.client.TransferEvents(gctx, address, models.Incoming, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	combined := make([]models.TransferEvent, 0, len(outgoing)+len(incoming))
	combined = append(combined, outgoing...)
	return append(combined, incoming...), nil
}

func (f *windowFetcher) recordRange(r models.BlockRange) {
	if _, ok := f.seenRanges[r]; ok {
		return
	}
	f.seenRanges[r] = struct{}{}
	f.ranges = append(f.ranges, r)
}

// searchedRanges returns the recorded ranges, or the first window below
// head when nothing was searched.
func (f *windowFetcher) searchedRanges() []models.BlockRange {
	if len(f.ranges) > 0 {
		return slices.Clone(f.ranges)
	}
	var from uint64
	if len(f.limits.BlockWindows) > 0 && f.head > f.limits.BlockWindows[0] {
		from = f.head - f.limits.BlockWindows[0]
	}
	return []models.BlockRange{{From: from, To: f.head}}
}
