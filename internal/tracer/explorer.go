package tracer

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rawblock/trace-engine/internal/heuristics"
	"github.com/rawblock/trace-engine/internal/ledger"
	"github.com/rawblock/trace-engine/internal/metrics"
	"github.com/rawblock/trace-engine/pkg/models"
)

// frontierItem is one pending unit of BFS work.
type frontierItem struct {
	address string
	depth   int
	nodeID  string
}

// explorer runs the breadth-first traversal of one trace.
type explorer struct {
	limits   Limits
	maxDepth int
	labels   heuristics.LabelSource
	metrics  *metrics.Metrics
	log      zerolog.Logger

	fetcher *windowFetcher
	builder *nodeBuilder
	notes   *noteSet
}

func newExplorer(client ledger.Client, chain models.Chain, root string, head uint64, maxDepth int, limits Limits, labels heuristics.LabelSource, notes *noteSet, m *metrics.Metrics, log zerolog.Logger) *explorer {
	return &explorer{
		limits:   limits,
		maxDepth: maxDepth,
		labels:   labels,
		metrics:  m,
		log:      log,
		fetcher:  newWindowFetcher(client, chain, limits, head, notes, m, log),
		builder:  newNodeBuilder(client, chain, root, limits, m, log),
		notes:    notes,
	}
}

// run expands the graph from root until the queue drains or the iteration
// cap is hit. The returned nodes start with root, in discovery order.
// Cancellation between dequeues aborts the run and discards its nodes.
func (e *explorer) run(ctx context.Context, root models.TraceNode) ([]models.TraceNode, error) {
	nodes := []models.TraceNode{root}
	queue := []frontierItem{{address: root.Address, depth: 0, nodeID: root.ID}}
	visited := make(map[stateKey]struct{})

	var (
		logsTruncated  bool
		queueTruncated bool
		iterations     int
	)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= e.maxDepth {
			continue
		}
		key := stateKey{address: strings.ToLower(cur.address), depth: cur.depth}
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}

		iterations++
		if iterations > e.limits.MaxIterations {
			e.notes.add(NoteIterationCap)
			e.metrics.Truncated("iterations")
			break
		}

		raw, truncated, err := e.fetcher.fetch(ctx, cur.address, cur.depth)
		if err != nil {
			return nil, err
		}
		events, capped := Dedupe(raw, e.limits.MaxEventsPerNode)
		if truncated || capped {
			logsTruncated = true
		}
		if len(events) == 0 {
			continue
		}

		children, dropped, err := e.builder.buildBatch(ctx, cur, events, e.lookupLabels(ctx, cur.address, events))
		if err != nil {
			return nil, err
		}
		if dropped {
			e.notes.add(NoteLookupFailed)
		}

		for _, child := range children {
			nodes = append(nodes, child)
			if child.Address == "" {
				continue
			}
			if child.Depth >= e.maxDepth {
				if !e.notes.has(NoteDepthLimit) {
					e.metrics.Truncated("depth")
				}
				e.notes.add(NoteDepthLimit)
				continue
			}
			if len(queue) >= e.limits.MaxQueue {
				if !queueTruncated {
					e.metrics.Truncated("queue")
				}
				queueTruncated = true
				continue
			}
			queue = append(queue, frontierItem{address: child.Address, depth: child.Depth, nodeID: child.ID})
		}
	}

	if logsTruncated {
		e.notes.add(NoteLogsTruncated)
		e.metrics.Truncated("logs")
	}
	if queueTruncated {
		e.notes.add(NoteQueueTruncated)
	}
	return nodes, nil
}

// lookupLabels resolves operator labels for the counterparties of one
// batch. Failures leave the batch unlabeled.
func (e *explorer) lookupLabels(ctx context.Context, frontier string, events []models.TransferEvent) map[string]heuristics.AddressLabel {
	if e.labels == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(events))
	addresses := make([]string, 0, len(events))
	for _, ev := range events {
		addr := models.DirectionFor(ev, frontier).Counterparty(ev)
		k := strings.ToLower(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		addresses = append(addresses, addr)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.limits.LookupTimeout)
	defer cancel()
	labels, err := e.labels.LookupLabels(lookupCtx, addresses)
	if err != nil {
		e.log.Warn().Err(err).Int("addresses", len(addresses)).Msg("label lookup failed")
		return nil
	}
	return labels
}
