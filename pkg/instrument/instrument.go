// Package instrument holds symbol and contract math shared by the dispatcher
// and the broker adapters.
package instrument

import (
	"strings"

	"mirror-core/pkg/broker"
)

// Symbol is a broker trading symbol with its derived exchange segment.
type Symbol struct {
	Name    string
	Segment broker.Segment
}

// New derives the segment from the symbol text. SENSEX contracts trade on the
// BSE F&O segment; everything else handled here is NSE F&O.
func New(name string) Symbol {
	return Symbol{Name: name, Segment: SegmentFor(name)}
}

// SegmentFor returns the exchange segment a symbol belongs to.
func SegmentFor(name string) broker.Segment {
	if strings.Contains(strings.ToUpper(name), "SENSEX") {
		return broker.SegmentBFO
	}
	return broker.SegmentNFO
}

// Contract lot sizes per index family.
var lotSizes = map[string]int{
	"NIFTY":     25,
	"BANKNIFTY": 15,
	"SENSEX":    10,
}

// LotSize returns the minimum tradeable increment for a symbol, or 0 when the
// index family is unknown.
func LotSize(symbol string) int {
	upper := strings.ToUpper(symbol)
	// BANKNIFTY must win over the NIFTY substring.
	if strings.Contains(upper, "BANKNIFTY") {
		return lotSizes["BANKNIFTY"]
	}
	for family, lot := range lotSizes {
		if strings.Contains(upper, family) {
			return lot
		}
	}
	return 0
}

// RoundLots rounds qty up to the nearest positive multiple of lot. A ceiling,
// never truncation: requesting any quantity always yields at least one lot.
// Non-positive lot returns qty unchanged so a missing lot size degrades to the
// caller-supplied raw quantity.
func RoundLots(qty, lot int) int {
	if lot <= 0 || qty <= 0 {
		return qty
	}
	lots := (qty + lot - 1) / lot
	if lots < 1 {
		lots = 1
	}
	return lots * lot
}
