// Package dispatch executes a trading intent concurrently across every active
// account and collects a per-account result or failure.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"mirror-core/internal/accounts"
	"mirror-core/internal/events"
	"mirror-core/pkg/broker"
	"mirror-core/pkg/instrument"
)

var (
	ErrNoActiveAccounts = errors.New("no active accounts")
	ErrNoWorkingOrder   = errors.New("no working order for account")
)

// Ledger is the dispatcher's view of the order book: it registers freshly
// placed orders and resolves the working order id per (account, side) for
// Modify/Cancel intents. Implemented by the lifecycle tracker.
type Ledger interface {
	RegisterOrder(accountIndex int, orderID string, side broker.Side,
		symbol string, segment broker.Segment, price float64, qty int)
	ActiveOrderID(accountIndex int, side broker.Side) (string, bool)
}

// Dispatcher fans an intent out to all active accounts in parallel and blocks
// until every per-account worker finishes or times out.
type Dispatcher struct {
	Registry    *accounts.Registry
	Ledger      Ledger
	Bus         *events.Bus
	CallTimeout time.Duration
}

// NewDispatcher wires a dispatcher; callTimeout bounds each per-account broker
// call so one hung account cannot stall the fan-out indefinitely.
func NewDispatcher(reg *accounts.Registry, ledger Ledger, bus *events.Bus, callTimeout time.Duration) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Dispatcher{Registry: reg, Ledger: ledger, Bus: bus, CallTimeout: callTimeout}
}

// Dispatch executes the intent on every account active at call time. The
// active set is snapshotted once, so membership cannot change mid-fan-out.
// Results come back sorted by account index, one entry per account in the
// snapshot. For New intents a margin-class failure on any account triggers
// compensating cancels for every placement that succeeded in this same
// fan-out, and the returned shortfall is non-nil. Modify/Cancel are
// best-effort per account: failures are reported, never rolled back.
func (d *Dispatcher) Dispatch(ctx context.Context, intent Intent) ([]AccountResult, *MarginShortfall) {
	snapshot := d.Registry.Active()
	if len(snapshot) == 0 {
		return nil, nil
	}

	results := make([]AccountResult, 0, len(snapshot))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, idx := range snapshot {
		wg.Add(1)
		go func(accountIndex int) {
			defer wg.Done()
			res := d.executeOne(ctx, accountIndex, intent)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(idx)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].AccountIndex < results[j].AccountIndex
	})

	var shortfall *MarginShortfall
	if intent.Kind == KindNew {
		shortfall = d.rollbackOnShortfall(ctx, results)
	}
	return results, shortfall
}

// executeOne performs one account's broker call under the per-call timeout.
func (d *Dispatcher) executeOne(ctx context.Context, accountIndex int, intent Intent) AccountResult {
	res := AccountResult{AccountIndex: accountIndex}

	gw, err := d.Registry.Handle(accountIndex)
	if err != nil {
		res.Err = err
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	switch intent.Kind {
	case KindNew:
		qty := d.roundedQty(accountIndex, intent)
		placed, err := gw.PlaceOrder(callCtx, broker.OrderRequest{
			Symbol:   intent.Symbol.Name,
			Segment:  intent.Symbol.Segment,
			Side:     intent.Side,
			Qty:      qty,
			Price:    intent.LimitPrice,
			ClientID: intent.ID,
		})
		if err != nil {
			res.Err = classify(callCtx, err)
			return res
		}
		res.BrokerOrderID = placed.OrderID
		// Register as soon as the broker acks: the account's event stream can
		// outrun the fan-out barrier, and the tracker must already know the
		// order id when the first report arrives.
		if d.Ledger != nil {
			d.Ledger.RegisterOrder(accountIndex, placed.OrderID, intent.Side,
				intent.Symbol.Name, intent.Symbol.Segment, intent.LimitPrice, qty)
		}

	case KindModify:
		orderID, ok := d.workingOrder(accountIndex, intent.Side)
		if !ok {
			res.Err = ErrNoWorkingOrder
			return res
		}
		qty := d.roundedQty(accountIndex, intent)
		if err := gw.ModifyOrder(callCtx, broker.ModifyRequest{
			OrderID: orderID,
			Symbol:  intent.Symbol.Name,
			Segment: intent.Symbol.Segment,
			Qty:     qty,
			Price:   intent.LimitPrice,
		}); err != nil {
			res.Err = classify(callCtx, err)
			return res
		}
		res.BrokerOrderID = orderID

	case KindCancel:
		orderID, ok := d.workingOrder(accountIndex, intent.Side)
		if !ok {
			res.Err = ErrNoWorkingOrder
			return res
		}
		if err := gw.CancelOrder(callCtx, orderID); err != nil {
			res.Err = classify(callCtx, err)
			return res
		}
		res.BrokerOrderID = orderID
	}

	return res
}

// rollbackOnShortfall cancels every successful placement when any account
// failed on margin, keeping New intents atomic across accounts: either all
// active accounts end up with a live order, or none do.
func (d *Dispatcher) rollbackOnShortfall(ctx context.Context, results []AccountResult) *MarginShortfall {
	var shortfall MarginShortfall
	for _, res := range results {
		if res.Err != nil && broker.IsMargin(res.Err) {
			shortfall.Accounts = append(shortfall.Accounts, res.AccountIndex)
		}
	}
	if len(shortfall.Accounts) == 0 {
		return nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, res := range results {
		if res.Err != nil || res.BrokerOrderID == "" {
			continue
		}
		wg.Add(1)
		go func(accountIndex int, orderID string) {
			defer wg.Done()
			rb := RolledBack{AccountIndex: accountIndex, BrokerOrderID: orderID}

			gw, err := d.Registry.Handle(accountIndex)
			if err != nil {
				rb.Err = err
			} else {
				callCtx, cancel := context.WithTimeout(ctx, d.CallTimeout)
				rb.Err = gw.CancelOrder(callCtx, orderID)
				cancel()
			}
			if rb.Err != nil {
				log.Printf("dispatch: compensating cancel failed for account %d order %s: %v",
					accountIndex, orderID, rb.Err)
			}
			mu.Lock()
			shortfall.RolledBack = append(shortfall.RolledBack, rb)
			mu.Unlock()
		}(res.AccountIndex, res.BrokerOrderID)
	}
	wg.Wait()

	sort.Slice(shortfall.RolledBack, func(i, j int) bool {
		return shortfall.RolledBack[i].AccountIndex < shortfall.RolledBack[j].AccountIndex
	})
	log.Printf("dispatch: %s", shortfall.Summary())
	if d.Bus != nil {
		d.Bus.Publish(events.TopicNotice, "margin shortfall: "+shortfall.Summary())
	}
	return &shortfall
}

// roundedQty applies ceiling lot rounding to the account's desired quantity.
// A missing lot size falls back to the raw quantity with a warning.
func (d *Dispatcher) roundedQty(accountIndex int, intent Intent) int {
	raw := intent.Qty[accountIndex]
	lot := instrument.LotSize(intent.Symbol.Name)
	if lot <= 0 {
		log.Printf("dispatch: no lot size for %s, using raw qty %d for account %d",
			intent.Symbol.Name, raw, accountIndex)
		return raw
	}
	return instrument.RoundLots(raw, lot)
}

func (d *Dispatcher) workingOrder(accountIndex int, side broker.Side) (string, bool) {
	if d.Ledger == nil {
		return "", false
	}
	return d.Ledger.ActiveOrderID(accountIndex, side)
}

// classify folds a context deadline into the broker error taxonomy so a hung
// account reads as a per-account timeout, not an opaque failure.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return broker.NewError(broker.KindTimeout, err.Error())
	}
	var be *broker.Error
	if errors.As(err, &be) {
		return err
	}
	return broker.NewError(broker.Classify(err.Error()), err.Error())
}
