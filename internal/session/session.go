// Package session ties the account registry, dispatcher, order tracker and
// exit monitor into one trading round workflow. All operator actions enter
// through Session so round-state checks happen in exactly one place.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"mirror-core/internal/accounts"
	"mirror-core/internal/dispatch"
	"mirror-core/internal/events"
	"mirror-core/internal/exitwatch"
	"mirror-core/internal/lifecycle"
	"mirror-core/pkg/broker"
	"mirror-core/pkg/instrument"
)

var (
	ErrRoundActive   = errors.New("a round is already underway")
	ErrBuyNotFilled  = errors.New("buy leg not complete on all accounts")
	ErrWrongState    = errors.New("action not valid in current round state")
	ErrAllPlacesFail = errors.New("order placement failed on every account")
)

// Session is the round-level facade. One instance per process.
type Session struct {
	Registry   *accounts.Registry
	Dispatcher *dispatch.Dispatcher
	Tracker    *lifecycle.Tracker
	Cycle      *lifecycle.Cycle
	Monitor    *exitwatch.Monitor
	Bus        *events.Bus

	mu     sync.Mutex
	symbol instrument.Symbol
	buyQty map[int]int
}

func New(reg *accounts.Registry, disp *dispatch.Dispatcher, tr *lifecycle.Tracker,
	cycle *lifecycle.Cycle, mon *exitwatch.Monitor, bus *events.Bus) *Session {
	s := &Session{
		Registry:   reg,
		Dispatcher: disp,
		Tracker:    tr,
		Cycle:      cycle,
		Monitor:    mon,
		Bus:        bus,
	}
	mon.OnBreach = s.exitOnBreach
	return s
}

// PlaceBuy opens a new round: every active account gets a buy order for the
// symbol at the limit price, with quantities rounded up to the lot size. A
// margin shortfall on any account cancels every placement that succeeded and
// leaves the round idle.
func (s *Session) PlaceBuy(ctx context.Context, symbolName string, price float64, qty map[int]int) ([]dispatch.AccountResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.Cycle.Begin()
	if !ok {
		return nil, ErrRoundActive
	}
	s.Tracker.StartRound(token)

	sym := instrument.New(symbolName)
	results, shortfall := s.Dispatcher.Dispatch(ctx, dispatch.Intent{
		ID:         uuid.NewString(),
		Kind:       dispatch.KindNew,
		Side:       broker.SideBuy,
		Symbol:     sym,
		LimitPrice: price,
		Qty:        qty,
	})
	if len(results) == 0 {
		s.Cycle.Release()
		return nil, dispatch.ErrNoActiveAccounts
	}
	if shortfall != nil {
		s.Cycle.Release()
		return results, fmt.Errorf("buy aborted: %s", shortfall.Summary())
	}

	participants := succeeded(results)
	if len(participants) == 0 {
		s.Cycle.Release()
		return results, ErrAllPlacesFail
	}
	s.symbol = sym
	s.buyQty = qty
	s.Tracker.SetParticipants(participants)

	log.Printf("session: buy placed on %d/%d accounts for %s @ %.2f",
		len(participants), len(results), sym.Name, price)
	s.Bus.Publish(events.TopicCycleChange, events.CycleChange{
		From: string(lifecycle.CycleIdle), To: string(lifecycle.CycleBuyPlaced), Token: token,
	})
	return results, nil
}

// ModifyBuy reprices the working buy orders. Per-account failures are
// reported in the results, never rolled back.
func (s *Session) ModifyBuy(ctx context.Context, price float64, qty map[int]int) ([]dispatch.AccountResult, error) {
	return s.modify(ctx, broker.SideBuy, lifecycle.CycleBuyPlaced, price, qty)
}

// ModifySell reprices the working sell orders.
func (s *Session) ModifySell(ctx context.Context, price float64, qty map[int]int) ([]dispatch.AccountResult, error) {
	return s.modify(ctx, broker.SideSell, lifecycle.CycleSellPlaced, price, qty)
}

func (s *Session) modify(ctx context.Context, side broker.Side, want lifecycle.CycleState,
	price float64, qty map[int]int) ([]dispatch.AccountResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Cycle.State() != want {
		return nil, ErrWrongState
	}
	if qty == nil {
		qty = s.buyQty
	}
	results, _ := s.Dispatcher.Dispatch(ctx, dispatch.Intent{
		ID:         uuid.NewString(),
		Kind:       dispatch.KindModify,
		Side:       side,
		Symbol:     s.symbol,
		LimitPrice: price,
		Qty:        qty,
	})
	if len(results) == 0 {
		return nil, dispatch.ErrNoActiveAccounts
	}
	return results, nil
}

// CancelBuy cancels the working buy orders and returns the round to idle.
func (s *Session) CancelBuy(ctx context.Context) ([]dispatch.AccountResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Cycle.State() != lifecycle.CycleBuyPlaced {
		return nil, ErrWrongState
	}
	results, _ := s.Dispatcher.Dispatch(ctx, dispatch.Intent{
		ID:     uuid.NewString(),
		Kind:   dispatch.KindCancel,
		Side:   broker.SideBuy,
		Symbol: s.symbol,
	})
	if len(results) == 0 {
		return nil, dispatch.ErrNoActiveAccounts
	}
	prev := s.Cycle.Release()
	log.Printf("session: buy cancelled, round released from %s", prev)
	return results, nil
}

// PlaceSell dispatches the exit leg. Valid only after every participant's
// buy has filled. Quantities default to the round's buy quantities.
func (s *Session) PlaceSell(ctx context.Context, price float64, qty map[int]int) ([]dispatch.AccountResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeSellLocked(ctx, price, qty)
}

func (s *Session) placeSellLocked(ctx context.Context, price float64, qty map[int]int) ([]dispatch.AccountResult, error) {
	token := s.Cycle.Token()
	if !s.Cycle.AdvanceIf(token, lifecycle.CycleBuyFilled, lifecycle.CycleSellPlaced) {
		return nil, ErrBuyNotFilled
	}
	if qty == nil {
		qty = s.buyQty
	}

	results, _ := s.Dispatcher.Dispatch(ctx, dispatch.Intent{
		ID:         uuid.NewString(),
		Kind:       dispatch.KindNew,
		Side:       broker.SideSell,
		Symbol:     s.symbol,
		LimitPrice: price,
		Qty:        qty,
	})
	participants := succeeded(results)
	if len(participants) == 0 {
		// Position is still open, so fall back to the filled-buy state and
		// let the operator retry.
		s.Cycle.AdvanceIf(token, lifecycle.CycleSellPlaced, lifecycle.CycleBuyFilled)
		if len(results) == 0 {
			return nil, dispatch.ErrNoActiveAccounts
		}
		return results, ErrAllPlacesFail
	}
	s.Tracker.SetParticipants(participants)

	log.Printf("session: sell placed on %d/%d accounts for %s @ %.2f",
		len(participants), len(results), s.symbol.Name, price)
	s.Bus.Publish(events.TopicCycleChange, events.CycleChange{
		From: string(lifecycle.CycleBuyFilled), To: string(lifecycle.CycleSellPlaced), Token: token,
	})
	return results, nil
}

// CancelSell cancels the working sell orders. The position stays open, so
// the round returns to the buy-filled state.
func (s *Session) CancelSell(ctx context.Context) ([]dispatch.AccountResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Cycle.State() != lifecycle.CycleSellPlaced {
		return nil, ErrWrongState
	}
	results, _ := s.Dispatcher.Dispatch(ctx, dispatch.Intent{
		ID:     uuid.NewString(),
		Kind:   dispatch.KindCancel,
		Side:   broker.SideSell,
		Symbol: s.symbol,
	})
	if len(results) == 0 {
		return nil, dispatch.ErrNoActiveAccounts
	}
	token := s.Cycle.Token()
	s.Cycle.AdvanceIf(token, lifecycle.CycleSellPlaced, lifecycle.CycleBuyFilled)
	log.Printf("session: sell cancelled, position remains open")
	return results, nil
}

// Release forces the round back to idle and disarms the monitor. Working
// orders are left untouched; this is the operator's escape hatch when state
// and reality have diverged.
func (s *Session) Release() lifecycle.CycleState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Monitor.Disarm()
	prev := s.Cycle.Release()
	log.Printf("session: released from %s", prev)
	s.Bus.Publish(events.TopicCycleChange, events.CycleChange{
		From: string(prev), To: string(lifecycle.CycleIdle), Token: s.Cycle.Token(),
	})
	return prev
}

// SetStopLoss stores the stop level on the monitor.
func (s *Session) SetStopLoss(level float64) { s.Monitor.SetStopLoss(level) }

// SetTarget stores the target level on the monitor.
func (s *Session) SetTarget(level float64) { s.Monitor.SetTarget(level) }

// ArmMonitor starts breach evaluation. Only meaningful once the position is
// open, so it requires the buy-filled state.
func (s *Session) ArmMonitor() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Cycle.State() != lifecycle.CycleBuyFilled {
		return ErrWrongState
	}
	if !s.Monitor.Arm(s.Cycle.Token()) {
		return errors.New("no stop-loss or target level set")
	}
	return nil
}

// DisarmMonitor stops breach evaluation without touching the round.
func (s *Session) DisarmMonitor() { s.Monitor.Disarm() }

// exitOnBreach is the monitor callback: it exits the open position at the
// breach price. A stale breach (round released or already in the sell leg)
// is dropped by the cycle's token check inside placeSellLocked.
func (s *Session) exitOnBreach(b exitwatch.Breach) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Cycle.Token() != b.Token {
		log.Printf("session: dropping stale %s breach for round %s", b.Kind, b.Token)
		return
	}
	log.Printf("session: %s breach at %.2f, exiting position", b.Kind, b.Price)
	if _, err := s.placeSellLocked(context.Background(), b.Price, nil); err != nil {
		log.Printf("session: breach exit failed: %v", err)
		s.Bus.Publish(events.TopicNotice,
			fmt.Sprintf("%s hit at %.2f but exit failed: %v", b.Kind, b.Price, err))
		return
	}
	s.Bus.Publish(events.TopicNotice,
		fmt.Sprintf("%s hit at %.2f, exit orders placed", b.Kind, b.Price))
}

// MTM reads day mark-to-market per active account straight from the broker.
func (s *Session) MTM(ctx context.Context) (map[int]float64, error) {
	indexes := s.Registry.Active()
	if len(indexes) == 0 {
		return nil, dispatch.ErrNoActiveAccounts
	}
	out := make(map[int]float64, len(indexes))
	for _, idx := range indexes {
		gw, err := s.Registry.Handle(idx)
		if err != nil {
			return nil, err
		}
		positions, err := gw.GetPositions(ctx)
		if err != nil {
			return nil, fmt.Errorf("positions for account %d: %w", idx, err)
		}
		out[idx] = broker.MTM(positions)
	}
	return out, nil
}

// Snapshot is the control surface's view of the round.
type Snapshot struct {
	State       lifecycle.CycleState `json:"state"`
	Token       string               `json:"token"`
	Symbol      string               `json:"symbol,omitempty"`
	Segment     broker.Segment       `json:"segment,omitempty"`
	Armed       bool                 `json:"monitorArmed"`
	StopLoss    float64              `json:"stopLoss"`
	Target      float64              `json:"target"`
	LastPrice   float64              `json:"lastPrice"`
	ActiveCount int                  `json:"activeAccounts"`
}

// State returns a consistent snapshot for status queries.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	sym := s.symbol
	s.mu.Unlock()

	stop, target := s.Monitor.Levels()
	return Snapshot{
		State:       s.Cycle.State(),
		Token:       s.Cycle.Token(),
		Symbol:      sym.Name,
		Segment:     sym.Segment,
		Armed:       s.Monitor.Armed(),
		StopLoss:    stop,
		Target:      target,
		LastPrice:   s.Monitor.LastPrice(),
		ActiveCount: len(s.Registry.Active()),
	}
}

func succeeded(results []dispatch.AccountResult) []int {
	var out []int
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.AccountIndex)
		}
	}
	return out
}
