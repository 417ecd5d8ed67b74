package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rawblock/trace-engine/internal/retry"
	"github.com/rawblock/trace-engine/pkg/models"
)

const erc20ABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}],
	 "name":"Transfer","type":"event"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],
	 "name":"balanceOf","outputs":[{"name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals",
	 "outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid erc20 abi: %v", err))
	}
	return parsed
}

// EVMConfig configures a JSON-RPC client for one EVM chain and token.
type EVMConfig struct {
	Chain             models.Chain
	RPCURL            string
	Token             TokenInfo
	RequestsPerSecond float64       // 0 disables throttling
	CallTimeout       time.Duration // Per RPC round trip
	Retry             retry.Policy
}

// EVMClient reads ERC-20 Transfer events and balances from an EVM node.
type EVMClient struct {
	rpc     *ethclient.Client
	cfg     EVMConfig
	token   common.Address
	limiter *rate.Limiter
	log     zerolog.Logger
}

// DialEVM connects to the node and verifies it by reading the chain head.
func DialEVM(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	if cfg.RPCURL == "" {
		return nil, ErrUnavailable
	}
	if !common.IsHexAddress(cfg.Token.Contract) {
		return nil, fmt.Errorf("invalid token contract %q", cfg.Token.Contract)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	logger := log.With().Str("component", "ledger").Str("chain", string(cfg.Chain)).Logger()
	logger.Info().Msg("connecting to EVM RPC")

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", cfg.Chain, err)
	}

	c := &EVMClient{
		rpc:   rpc,
		cfg:   cfg,
		token: common.HexToAddress(cfg.Token.Contract),
		log:   logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	c.cfg.Retry.Permanent = func(err error) bool {
		return errors.Is(err, ethereum.NotFound) || errors.Is(err, ErrNotFound)
	}
	c.cfg.Retry.OnRetry = func(attempt int, wait time.Duration, err error) {
		c.log.Debug().Int("attempt", attempt).Dur("wait", wait).Err(err).Msg("retrying rpc call")
	}

	head, err := c.LatestBlockHeight(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("verify %s rpc: %w", cfg.Chain, err)
	}
	logger.Info().Uint64("head", head).Str("token", cfg.Token.Symbol).Msg("connected to EVM node")
	return c, nil
}

func (c *EVMClient) Close() {
	c.rpc.Close()
}

func (c *EVMClient) Token() TokenInfo {
	return c.cfg.Token
}

// call throttles, bounds and retries one RPC round trip.
func (c *EVMClient) call(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return fn(callCtx)
	})
}

func (c *EVMClient) LatestBlockHeight(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		head, err = c.rpc.BlockNumber(ctx)
		return err
	})
	return head, err
}

// TransferEvents returns Transfer logs of the configured token where the
// address is the sender (Outgoing) or the recipient (Incoming).
func (c *EVMClient) TransferEvents(ctx context.Context, address string, dir models.Direction, fromBlock, toBlock uint64) ([]models.TransferEvent, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	addrTopic := common.BytesToHash(common.HexToAddress(address).Bytes())
	topics := [][]common.Hash{{erc20ABI.Events["Transfer"].ID}}
	switch dir {
	case models.Outgoing:
		topics = append(topics, []common.Hash{addrTopic})
	case models.Incoming:
		topics = append(topics, nil, []common.Hash{addrTopic})
	default:
		return nil, fmt.Errorf("unknown direction %d", dir)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.token},
		Topics:    topics,
	}

	var logs []types.Log
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		logs, err = c.rpc.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make([]models.TransferEvent, 0, len(logs))
	for _, lg := range logs {
		ev, ok := decodeTransfer(lg)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeTransfer(lg types.Log) (models.TransferEvent, bool) {
	if lg.Removed || len(lg.Topics) < 3 {
		return models.TransferEvent{}, false
	}
	value := new(big.Int)
	if out, err := erc20ABI.Unpack("Transfer", lg.Data); err == nil && len(out) == 1 {
		if v, ok := out[0].(*big.Int); ok {
			value = v
		}
	}
	return models.TransferEvent{
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Value:       value,
	}, true
}

// FeeRate returns the transaction's fee cap (gas price for legacy
// transactions) in wei, or nil when the node does not know the transaction.
func (c *EVMClient) FeeRate(ctx context.Context, txHash string) (*big.Int, error) {
	var tx *types.Transaction
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		tx, _, err = c.rpc.TransactionByHash(ctx, common.HexToHash(txHash))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tx.GasFeeCap(), nil
}

func (c *EVMClient) BlockTime(ctx context.Context, blockNumber uint64) (uint64, error) {
	var header *types.Header
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		header, err = c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

func (c *EVMClient) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		raw, err = c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	out, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("decode balanceOf: %d values", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected type %T", out[0])
	}
	return balance, nil
}

func (c *EVMClient) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	var balance *big.Int
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		balance, err = c.rpc.BalanceAt(ctx, common.HexToAddress(address), nil)
		return err
	})
	return balance, err
}
