package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/rawblock/trace-engine/pkg/models"
)

var (
	// ErrUnavailable is returned when no client is configured for a chain.
	ErrUnavailable = errors.New("ledger client unavailable")
	// ErrNotFound is returned when a transaction or block does not exist.
	ErrNotFound = errors.New("not found")
)

// TokenInfo describes the token a client traces and the chain's native asset.
type TokenInfo struct {
	Contract       string `yaml:"contract"`
	Symbol         string `yaml:"symbol"`
	Decimals       int32  `yaml:"decimals"`
	NativeSymbol   string `yaml:"native_symbol"`
	NativeDecimals int32  `yaml:"native_decimals"`
}

// Client is the ledger capability the trace engine consumes.
//
// FeeRate returns nil when the transaction carries no fee-rate field.
// BlockTime returns 0 when the block time is unknown.
type Client interface {
	Token() TokenInfo
	LatestBlockHeight(ctx context.Context) (uint64, error)
	TransferEvents(ctx context.Context, address string, dir models.Direction, fromBlock, toBlock uint64) ([]models.TransferEvent, error)
	FeeRate(ctx context.Context, txHash string) (*big.Int, error)
	BlockTime(ctx context.Context, blockNumber uint64) (uint64, error)
	TokenBalance(ctx context.Context, address string) (*big.Int, error)
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
}

// Registry maps chains to their configured clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[models.Chain]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[models.Chain]Client)}
}

// Register binds a client to a chain, replacing any previous binding.
func (r *Registry) Register(chain models.Chain, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[chain] = c
}

// Client returns the client for a chain, or ErrUnavailable.
func (r *Registry) Client(chain models.Chain) (Client, error) {
	if r == nil {
		return nil, ErrUnavailable
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[chain]
	if !ok || c == nil {
		return nil, ErrUnavailable
	}
	return c, nil
}

// Chains returns the chains that currently have a client.
func (r *Registry) Chains() []models.Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chains := make([]models.Chain, 0, len(r.clients))
	for _, c := range models.SupportedChains {
		if _, ok := r.clients[c]; ok {
			chains = append(chains, c)
		}
	}
	return chains
}
