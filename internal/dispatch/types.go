package dispatch

import (
	"fmt"
	"strings"

	"mirror-core/pkg/broker"
	"mirror-core/pkg/instrument"
)

// Kind distinguishes what a user-level intent does to the broker book.
type Kind string

const (
	KindNew    Kind = "NEW"
	KindModify Kind = "MODIFY"
	KindCancel Kind = "CANCEL"
)

// Intent is one user- or monitor-triggered action to fan out across the
// active accounts. Created transiently per trigger; never persisted.
type Intent struct {
	ID         string
	Kind       Kind
	Side       broker.Side
	Symbol     instrument.Symbol
	LimitPrice float64
	// Qty maps account index to the desired quantity for New intents. The
	// dispatcher rounds each up to the instrument's lot size before sending.
	Qty map[int]int
}

// AccountResult is one account's outcome within a fan-out. Err is always
// per-account so callers can tell which account failed and why.
type AccountResult struct {
	AccountIndex  int
	BrokerOrderID string
	Err           error
}

// RolledBack records one compensating cancel issued after a margin shortfall.
type RolledBack struct {
	AccountIndex  int
	BrokerOrderID string
	Err           error // non-nil when the compensating cancel itself failed
}

// MarginShortfall reports that one or more placements failed on margin and
// that every placement which did succeed in the same fan-out was cancelled, so
// the New intent stayed atomic across accounts.
type MarginShortfall struct {
	Accounts   []int // accounts whose placement failed on margin
	RolledBack []RolledBack
}

// Summary renders a one-line description for status displays and notices.
func (m *MarginShortfall) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "margin shortfall on accounts %v", m.Accounts)
	if len(m.RolledBack) > 0 {
		b.WriteString("; auto-cancelled:")
		for _, rb := range m.RolledBack {
			if rb.Err != nil {
				fmt.Fprintf(&b, " %d/%s (cancel failed: %v)", rb.AccountIndex, rb.BrokerOrderID, rb.Err)
			} else {
				fmt.Fprintf(&b, " %d/%s", rb.AccountIndex, rb.BrokerOrderID)
			}
		}
	}
	return b.String()
}
