package models

import (
	"math/big"
	"strings"
)

// Direction is the side of a transfer relative to the frontier address
type Direction int

const (
	Outgoing Direction = iota // Frontier address is the sender
	Incoming                  // Frontier address is the recipient
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	default:
		return "unknown"
	}
}

// Counterparty returns the address that becomes the next frontier candidate:
// the recipient of an outgoing transfer, the sender of an incoming one.
func (d Direction) Counterparty(ev TransferEvent) string {
	switch d {
	case Outgoing:
		return ev.To
	case Incoming:
		return ev.From
	default:
		return ""
	}
}

// DirectionFor classifies an event relative to the frontier address.
// A self-transfer counts as outgoing.
func DirectionFor(ev TransferEvent, frontier string) Direction {
	if strings.EqualFold(ev.From, frontier) {
		return Outgoing
	}
	return Incoming
}

// TransferEvent is one raw token Transfer log as returned by a ledger client
type TransferEvent struct {
	TxHash      string   `json:"txHash"`
	LogIndex    uint     `json:"logIndex"` // Position within the transaction's logs, 0 when unknown
	BlockNumber uint64   `json:"blockNumber"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       *big.Int `json:"value"` // Smallest token unit
}

// EventKey is the stable identity of a transfer event
type EventKey struct {
	TxHash   string
	LogIndex uint
}

// Key returns the event's identity. Hashes compare case-insensitively.
func (e TransferEvent) Key() EventKey {
	return EventKey{TxHash: strings.ToLower(e.TxHash), LogIndex: e.LogIndex}
}
