package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"

	"mirror-core/internal/events"
	"mirror-core/pkg/broker"
)

// Record is the tracker's view of one broker order across its lifetime.
type Record struct {
	BrokerOrderID  string
	AccountIndex   int
	Symbol         string
	Segment        broker.Segment
	Side           broker.Side
	Price          float64
	Qty            int
	FilledQty      int
	FillPrice      float64
	Status         broker.Status
	LastReportType broker.ReportType
	RejectReason   string

	round string
}

// Store persists order records as they change. Persistence failures are
// logged and never block order processing.
type Store interface {
	RecordOrder(ctx context.Context, rec Record) error
}

// Notifier delivers operator-facing alerts (rejections, round completions).
type Notifier interface {
	Notify(msg string)
}

type accountSide struct {
	account int
	side    broker.Side
}

type eventKey struct {
	orderID string
	report  broker.ReportType
	status  broker.Status
}

// Tracker consumes per-account order reports and drives the shared round
// cycle. Reports from different accounts arrive in any interleaving; the
// aggregate transitions (all buys filled, all sells filled) are commutative
// over arrival order, and duplicate reports are dropped by
// (order id, report type, status).
type Tracker struct {
	cycle    *Cycle
	bus      *events.Bus
	store    Store
	notifier Notifier

	// OnBuyComplete fires once per round when every participant's buy
	// order has filled. OnRoundReset fires when the round returns to idle,
	// whether by sell completion or an operator release.
	OnBuyComplete func()
	OnRoundReset  func()

	mu           sync.Mutex
	records      map[string]*Record
	active       map[accountSide]string
	seen         map[eventKey]struct{}
	fired        map[string]struct{}
	buyFilled    map[int]bool
	sellFilled   map[int]bool
	participants map[int]struct{}
	roundToken   string
}

func NewTracker(cycle *Cycle, bus *events.Bus, store Store, notifier Notifier) *Tracker {
	return &Tracker{
		cycle:        cycle,
		bus:          bus,
		store:        store,
		notifier:     notifier,
		records:      make(map[string]*Record),
		active:       make(map[accountSide]string),
		seen:         make(map[eventKey]struct{}),
		fired:        make(map[string]struct{}),
		buyFilled:    make(map[int]bool),
		sellFilled:   make(map[int]bool),
		participants: make(map[int]struct{}),
	}
}

// StartRound resets per-round fill bookkeeping. Call before dispatching the
// opening buy so reports that arrive mid-dispatch land in a clean round.
func (t *Tracker) StartRound(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// seen and fired are keyed by broker order id and survive the reset:
	// a late duplicate from a previous round must stay a duplicate.
	t.roundToken = token
	t.buyFilled = make(map[int]bool)
	t.sellFilled = make(map[int]bool)
	t.participants = make(map[int]struct{})
}

// SetParticipants records which accounts took part in the current leg. The
// dispatcher snapshot is authoritative: an account that failed or was
// inactive at dispatch time does not gate the aggregate transition.
func (t *Tracker) SetParticipants(indexes []int) {
	t.mu.Lock()
	t.participants = make(map[int]struct{}, len(indexes))
	for _, idx := range indexes {
		t.participants[idx] = struct{}{}
	}
	t.mu.Unlock()
	// Fills can land before the participant set is known. Re-check now.
	t.Reevaluate()
}

// Reevaluate re-runs the aggregate completion checks against already
// recorded fills.
func (t *Tracker) Reevaluate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkBuyComplete()
	t.checkSellComplete()
}

// RegisterOrder is called by the dispatcher as soon as the broker acks a
// placement, so the first report for the order id finds a record.
func (t *Tracker) RegisterOrder(accountIndex int, orderID string, side broker.Side,
	symbol string, segment broker.Segment, price float64, qty int) {
	t.mu.Lock()
	if _, ok := t.records[orderID]; ok {
		t.mu.Unlock()
		return
	}
	rec := &Record{
		BrokerOrderID: orderID,
		AccountIndex:  accountIndex,
		Symbol:        symbol,
		Segment:       segment,
		Side:          side,
		Price:         price,
		Qty:           qty,
		Status:        broker.StatusPending,
		round:         t.roundToken,
	}
	t.records[orderID] = rec
	t.active[accountSide{accountIndex, side}] = orderID
	snap := *rec
	t.mu.Unlock()
	t.persist(snap)
}

// ActiveOrderID resolves the working order for an account and side, used by
// modify and cancel dispatches.
func (t *Tracker) ActiveOrderID(accountIndex int, side broker.Side) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.active[accountSide{accountIndex, side}]
	return id, ok
}

// Records returns a snapshot of all tracked orders, for the control surface.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}

// Ingest applies one order report from an account's event stream. Malformed
// reports are dropped with a log line; duplicates are dropped silently.
func (t *Tracker) Ingest(accountIndex int, ev broker.OrderEvent) {
	if !ev.Valid() {
		log.Printf("tracker: dropping malformed report from account %d: %+v", accountIndex, ev)
		return
	}

	t.mu.Lock()
	// Status is part of the key: a partial fill (Fill/OPEN) and the
	// completing fill (Fill/COMPLETE) share a report type and both must
	// process. Exact re-deliveries still dedupe.
	key := eventKey{ev.OrderID, ev.ReportType, ev.Status}
	if _, dup := t.seen[key]; dup {
		t.mu.Unlock()
		return
	}
	t.seen[key] = struct{}{}

	rec, ok := t.records[ev.OrderID]
	if !ok {
		// Order placed outside this process (manual terminal activity).
		// Track it so the history stays complete, but it never gates the
		// round because it is not in the participant set's active slot.
		rec = &Record{
			BrokerOrderID: ev.OrderID,
			AccountIndex:  accountIndex,
			Symbol:        ev.Symbol,
			Segment:       ev.Segment,
			Side:          ev.Side,
			Price:         ev.Price,
			Qty:           ev.Qty,
		}
		t.records[ev.OrderID] = rec
	}

	rec.LastReportType = ev.ReportType
	if ev.FilledQty > 0 {
		rec.FilledQty = ev.FilledQty
	}
	if ev.FillPrice > 0 {
		rec.FillPrice = ev.FillPrice
	}
	if ev.RejectReason != "" {
		rec.RejectReason = ev.RejectReason
	}
	// A terminal status never regresses to a working one, whatever order
	// the reports arrived in.
	if !rec.Status.Terminal() {
		rec.Status = ev.Status
	}

	as := accountSide{rec.AccountIndex, rec.Side}
	switch {
	case ev.ReportType == broker.ReportReplaced:
		if ev.Price > 0 {
			rec.Price = ev.Price
		}
		if ev.Qty > 0 {
			rec.Qty = ev.Qty
		}
	case ev.ReportType == broker.ReportCanceled || ev.Status == broker.StatusCancelled:
		if t.active[as] == rec.BrokerOrderID {
			delete(t.active, as)
		}
	case ev.ReportType == broker.ReportRejected || ev.Status == broker.StatusRejected:
		if t.active[as] == rec.BrokerOrderID {
			delete(t.active, as)
		}
		t.mu.Unlock()
		t.notify(fmt.Sprintf("order rejected: account %d %s %s: %s",
			accountIndex, rec.Side, rec.Symbol, rec.RejectReason))
		t.mu.Lock()
	case ev.ReportType == broker.ReportFill && ev.Status == broker.StatusComplete:
		t.onComplete(rec)
	}

	snap := *rec
	t.mu.Unlock()
	t.persist(snap)

	t.bus.Publish(events.TopicOrderUpdate, events.OrderUpdate{
		AccountIndex: accountIndex,
		Event:        ev,
	})
}

// onComplete handles a full fill. Runs with t.mu held.
func (t *Tracker) onComplete(rec *Record) {
	if _, done := t.fired[rec.BrokerOrderID]; done {
		return
	}
	t.fired[rec.BrokerOrderID] = struct{}{}

	as := accountSide{rec.AccountIndex, rec.Side}
	if t.active[as] == rec.BrokerOrderID {
		delete(t.active, as)
	}

	sig := events.FillSignal{
		AccountIndex: rec.AccountIndex,
		Symbol:       rec.Symbol,
		Side:         rec.Side,
		FillPrice:    rec.FillPrice,
	}
	// Fills from earlier rounds or from manual terminal orders are recorded
	// but never gate this round's aggregate.
	if rec.round != t.roundToken {
		switch rec.Side {
		case broker.SideBuy:
			t.bus.Publish(events.TopicBuyFilled, sig)
		case broker.SideSell:
			t.bus.Publish(events.TopicSellFilled, sig)
		}
		return
	}
	switch rec.Side {
	case broker.SideBuy:
		t.buyFilled[rec.AccountIndex] = true
		t.bus.Publish(events.TopicBuyFilled, sig)
		t.checkBuyComplete()
	case broker.SideSell:
		t.sellFilled[rec.AccountIndex] = true
		t.bus.Publish(events.TopicSellFilled, sig)
		t.checkSellComplete()
	}
}

// checkBuyComplete advances BuyPlaced -> BuyFilled once every participant's
// buy has filled. Runs with t.mu held.
func (t *Tracker) checkBuyComplete() {
	if len(t.participants) == 0 || !t.allFilled(t.buyFilled) {
		return
	}
	token := t.roundToken
	if !t.cycle.AdvanceIf(token, CycleBuyPlaced, CycleBuyFilled) {
		return
	}
	log.Printf("tracker: all %d accounts filled buy leg", len(t.participants))
	t.bus.Publish(events.TopicCycleChange, events.CycleChange{
		From: string(CycleBuyPlaced), To: string(CycleBuyFilled), Token: token,
	})
	if t.OnBuyComplete != nil {
		go t.OnBuyComplete()
	}
}

// checkSellComplete closes the round once every participant's sell has
// filled. Runs with t.mu held.
func (t *Tracker) checkSellComplete() {
	if len(t.participants) == 0 || !t.allFilled(t.sellFilled) {
		return
	}
	token := t.roundToken
	if !t.cycle.AdvanceIf(token, CycleSellPlaced, CycleIdle) {
		return
	}
	log.Printf("tracker: all %d accounts filled sell leg, round complete", len(t.participants))
	t.bus.Publish(events.TopicCycleChange, events.CycleChange{
		From: string(CycleSellPlaced), To: string(CycleIdle), Token: token,
	})
	if t.OnRoundReset != nil {
		go t.OnRoundReset()
	}
}

func (t *Tracker) allFilled(filled map[int]bool) bool {
	for idx := range t.participants {
		if !filled[idx] {
			return false
		}
	}
	return true
}

// persist writes one record snapshot through the store. Called outside the
// tracker lock, in the stream's delivery order, so a newer row is never
// overwritten by an older snapshot. Failures are logged, never propagated.
func (t *Tracker) persist(rec Record) {
	if t.store == nil {
		return
	}
	if err := t.store.RecordOrder(context.Background(), rec); err != nil {
		log.Printf("tracker: persist order %s: %v", rec.BrokerOrderID, err)
	}
}

func (t *Tracker) notify(msg string) {
	log.Printf("tracker: %s", msg)
	if t.notifier != nil {
		t.notifier.Notify(msg)
	}
}
