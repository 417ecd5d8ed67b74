// Package stub provides a scripted in-memory ledger client.
package stub

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/rawblock/trace-engine/internal/ledger"
	"github.com/rawblock/trace-engine/pkg/models"
)

// Query records one TransferEvents call.
type Query struct {
	Address   string
	Direction models.Direction
	From      uint64
	To        uint64
}

// Client implements ledger.Client for tests and demo mode. Events are keyed
// by lower-cased address and direction; only events inside the requested
// block range are returned.
type Client struct {
	mu sync.Mutex

	Head       uint64
	Info       ledger.TokenInfo
	Events     map[string][]models.TransferEvent // key: eventsKey(address, direction)
	BlockTimes map[uint64]uint64
	FeeRates   map[string]*big.Int
	Tokens     map[string]*big.Int
	Natives    map[string]*big.Int

	HeadErr    error
	BalanceErr error
	EventsErr  map[string]error // key: eventsKey(address, direction)
	FeeErr     map[string]error

	// BlockQueries, when set, is invoked before events are returned and may
	// block or fail the call.
	BlockQueries func(ctx context.Context, q Query) error

	queries []Query
}

// New returns an empty stub with the given head and a USDT-like token.
func New(head uint64) *Client {
	return &Client{
		Head: head,
		Info: ledger.TokenInfo{
			Contract:       "0xdAC17F958D2ee523a2206206994597C13D831ec7",
			Symbol:         "USDT",
			Decimals:       6,
			NativeSymbol:   "ETH",
			NativeDecimals: 18,
		},
		Events:     make(map[string][]models.TransferEvent),
		BlockTimes: make(map[uint64]uint64),
		FeeRates:   make(map[string]*big.Int),
		Tokens:     make(map[string]*big.Int),
		Natives:    make(map[string]*big.Int),
		EventsErr:  make(map[string]error),
		FeeErr:     make(map[string]error),
	}
}

func eventsKey(address string, dir models.Direction) string {
	return strings.ToLower(address) + "/" + dir.String()
}

// AddTransfer registers ev as outgoing for ev.From and incoming for ev.To.
func (c *Client) AddTransfer(ev models.TransferEvent) {
	c.AddEvent(ev.From, models.Outgoing, ev)
	c.AddEvent(ev.To, models.Incoming, ev)
}

// AddEvent registers ev under one address and direction only.
func (c *Client) AddEvent(address string, dir models.Direction, ev models.TransferEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := eventsKey(address, dir)
	c.Events[k] = append(c.Events[k], ev)
}

// FailEvents makes every TransferEvents call for address/dir fail with err.
func (c *Client) FailEvents(address string, dir models.Direction, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EventsErr[eventsKey(address, dir)] = err
}

// Queries returns a copy of the recorded TransferEvents calls.
func (c *Client) Queries() []Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Query, len(c.queries))
	copy(out, c.queries)
	return out
}

// QueriedAddresses returns the distinct lower-cased addresses queried.
func (c *Client) QueriedAddresses() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]int)
	for _, q := range c.queries {
		seen[strings.ToLower(q.Address)]++
	}
	return seen
}

func (c *Client) Token() ledger.TokenInfo {
	return c.Info
}

func (c *Client) LatestBlockHeight(_ context.Context) (uint64, error) {
	if c.HeadErr != nil {
		return 0, c.HeadErr
	}
	return c.Head, nil
}

func (c *Client) TransferEvents(ctx context.Context, address string, dir models.Direction, fromBlock, toBlock uint64) ([]models.TransferEvent, error) {
	q := Query{Address: address, Direction: dir, From: fromBlock, To: toBlock}

	c.mu.Lock()
	c.queries = append(c.queries, q)
	hook := c.BlockQueries
	err := c.EventsErr[eventsKey(address, dir)]
	all := c.Events[eventsKey(address, dir)]
	c.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, q); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}

	var out []models.TransferEvent
	for _, ev := range all {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *Client) FeeRate(_ context.Context, txHash string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.FeeErr[strings.ToLower(txHash)]; err != nil {
		return nil, err
	}
	return c.FeeRates[strings.ToLower(txHash)], nil
}

func (c *Client) BlockTime(_ context.Context, blockNumber uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.BlockTimes[blockNumber], nil
}

func (c *Client) TokenBalance(_ context.Context, address string) (*big.Int, error) {
	if c.BalanceErr != nil {
		return nil, c.BalanceErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.Tokens[strings.ToLower(address)]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (c *Client) NativeBalance(_ context.Context, address string) (*big.Int, error) {
	if c.BalanceErr != nil {
		return nil, c.BalanceErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.Natives[strings.ToLower(address)]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

// Units converts a whole-token amount into the smallest unit for decimals.
func Units(amount int64, decimals int32) *big.Int {
	v := big.NewInt(amount)
	return v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

// Addr builds a deterministic 20-byte hex address from a seed.
func Addr(seed int) string {
	return fmt.Sprintf("0x%040x", seed)
}

var _ ledger.Client = (*Client)(nil)
