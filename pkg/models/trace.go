package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Chain identifies the ledger a trace runs against
type Chain string

const (
	ChainTron     Chain = "TRON"
	ChainEthereum Chain = "ETHEREUM"
	ChainBSC      Chain = "BSC"
	ChainPolygon  Chain = "POLYGON"
)

// SupportedChains lists every chain the request boundary accepts
var SupportedChains = []Chain{ChainTron, ChainEthereum, ChainBSC, ChainPolygon}

// ParseChain converts a user-facing chain name into a Chain (case-insensitive)
func ParseChain(s string) (Chain, bool) {
	c := Chain(strings.ToUpper(strings.TrimSpace(s)))
	for _, supported := range SupportedChains {
		if c == supported {
			return c, true
		}
	}
	return "", false
}

// RiskLevel is the coarse classification attached to a node
type RiskLevel string

const (
	RiskHigh    RiskLevel = "high"
	RiskMedium  RiskLevel = "medium"
	RiskLow     RiskLevel = "low"
	RiskUnknown RiskLevel = "unknown"
)

// TraceNode is one hop in the explored graph
type TraceNode struct {
	ID              string          `json:"id"`
	ParentID        string          `json:"parentId,omitempty"` // Empty for the root
	Depth           int             `json:"depth"`
	Address         string          `json:"address"`
	AddressLabel    string          `json:"addressLabel,omitempty"` // Set only on returns to the root address
	Chain           Chain           `json:"chain"`
	TransactionHash string          `json:"txHash"` // "root" for the root node
	Timestamp       time.Time       `json:"timestamp"`
	TokenAmount     decimal.Decimal `json:"tokenAmount"`
	ExchangeRate    decimal.Decimal `json:"exchangeRate"`
	Fee             decimal.Decimal `json:"fee"` // Fee rate in gwei, 0 when unavailable
	RiskLevel       RiskLevel       `json:"riskLevel"`
	RiskFactors     []string        `json:"riskFactors"`
}

// IsRoot reports whether the node is the trace origin
func (n TraceNode) IsRoot() bool {
	return n.Depth == 0
}

// BlockRange is an inclusive block-number range searched for transfer events
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// TraceMeta holds exploration bookkeeping
type TraceMeta struct {
	TransfersAnalyzed   int          `json:"transfersAnalyzed"`
	DepthExplored       int          `json:"depthExplored"`
	EarliestTransferAt  *time.Time   `json:"earliestTransferAt"`
	LatestTransferAt    *time.Time   `json:"latestTransferAt"`
	SearchedBlockRanges []BlockRange `json:"searchedBlockRanges"`
	NoTransfersFound    bool         `json:"noTransfersFound"`
	Notes               []string     `json:"notes,omitempty"`
}

// TraceSummary is the derived risk / confidence view of a trace
type TraceSummary struct {
	FinalDestination           string  `json:"finalDestination"`
	FinalDestinationLabel      string  `json:"finalDestinationLabel,omitempty"`
	FinalDestinationConfidence float64 `json:"finalDestinationConfidence"` // 0-1
	SuspiciousHopCount         int     `json:"suspiciousHopCount"`
	SuspiciousConfidence       float64 `json:"suspiciousConfidence"` // 0-1
	FragmentationLevel         int     `json:"fragmentationLevel"`
	FragmentationConfidence    float64 `json:"fragmentationConfidence"` // 0-1
}

// Balance is one balance of the root address at query time
type Balance struct {
	Amount decimal.Decimal `json:"amount"`
	Raw    string          `json:"raw"` // Smallest-unit integer as a string
	Symbol string          `json:"symbol"`
}

// TraceBalances holds the traced token balance and the chain's native balance
type TraceBalances struct {
	Token  Balance `json:"token"`
	Native Balance `json:"native"`
}

// TraceResult is the complete output of one trace
type TraceResult struct {
	RequestID   string        `json:"requestId"`
	RootAddress string        `json:"rootAddress"`
	ChainHint   Chain         `json:"chainHint,omitempty"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Summary     TraceSummary  `json:"summary"`
	Nodes       []TraceNode   `json:"nodes"` // Root first, then discovery order
	Meta        TraceMeta     `json:"meta"`
	Balances    TraceBalances `json:"balances"`
}

// TraceRequest is a validated trace request as it reaches the engine
type TraceRequest struct {
	Address string `json:"address"`
	Chain   Chain  `json:"chain,omitempty"` // Empty means "detect from address"
	Depth   int    `json:"depth,omitempty"` // 0 means default depth
}
