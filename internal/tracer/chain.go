package tracer

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"

	"github.com/rawblock/trace-engine/pkg/models"
)

// tronAddressVersion is the base58check version byte of TRON mainnet addresses.
const tronAddressVersion = 0x41

// DetectChain infers a chain from the address format. It is best-effort:
// every EVM chain shares the 0x format, so hex addresses resolve to
// Ethereum, and an explicit chain on the request always wins.
func DetectChain(address string) (models.Chain, bool) {
	address = strings.TrimSpace(address)
	if common.IsHexAddress(address) && strings.HasPrefix(strings.ToLower(address), "0x") {
		return models.ChainEthereum, true
	}
	if isTronAddress(address) {
		return models.ChainTron, true
	}
	return "", false
}

func isTronAddress(address string) bool {
	if len(address) != 34 || address[0] != 'T' {
		return false
	}
	payload, version, err := base58.CheckDecode(address)
	return err == nil && version == tronAddressVersion && len(payload) == 20
}

// ResolveChain picks the chain a request runs against: the explicit chain
// when given, otherwise the detected one.
func ResolveChain(req models.TraceRequest) (models.Chain, bool) {
	if req.Chain != "" {
		return req.Chain, true
	}
	return DetectChain(req.Address)
}
