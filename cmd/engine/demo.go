package main

import (
	"fmt"
	"math/big"

	"github.com/rawblock/trace-engine/internal/ledger/stub"
	"github.com/rawblock/trace-engine/pkg/models"
)

const (
	demoHead      = 21_000_000
	demoRoot      = 0xA11CE
	demoStartTime = 1_717_000_000
)

// demoLedger scripts a small peel-and-split pattern: the root pays three
// intermediaries, two of which forward to a common sink and one back to the
// root. Try: engine trace --stub 0x00000000000000000000000000000000000a11ce
func demoLedger() *stub.Client {
	c := stub.New(demoHead)
	root := stub.Addr(demoRoot)
	sink := stub.Addr(0x5151)

	hop := func(n int, block uint64, from, to string, amount int64) {
		hash := fmt.Sprintf("0x%064x", 0xD000+n)
		c.AddTransfer(models.TransferEvent{
			TxHash:      hash,
			LogIndex:    uint(n % 3),
			BlockNumber: block,
			From:        from,
			To:          to,
			Value:       stub.Units(amount, c.Info.Decimals),
		})
		c.BlockTimes[block] = demoStartTime + (block-(demoHead-100_000))*12
		c.FeeRates[hash] = big.NewInt(int64(20+n) * 1_000_000_000)
	}

	mids := []string{stub.Addr(0xB001), stub.Addr(0xB002), stub.Addr(0xB003)}
	hop(1, demoHead-90_000, root, mids[0], 40_000)
	hop(2, demoHead-89_000, root, mids[1], 35_000)
	hop(3, demoHead-88_000, root, mids[2], 25_000)
	hop(4, demoHead-70_000, mids[0], sink, 39_500)
	hop(5, demoHead-60_000, mids[1], sink, 34_800)
	hop(6, demoHead-10_000, mids[2], root, 24_900)

	c.Tokens[root] = stub.Units(100, c.Info.Decimals)
	c.Natives[root] = stub.Units(1, c.Info.NativeDecimals)
	return c
}
