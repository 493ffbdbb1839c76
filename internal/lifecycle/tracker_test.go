package lifecycle

import (
	"context"
	"sync"
	"testing"

	"mirror-core/internal/events"
	"mirror-core/pkg/broker"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func newMemStore() *memStore { return &memStore{recs: make(map[string]Record)} }

func (s *memStore) RecordOrder(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.BrokerOrderID] = rec
	return nil
}

type memNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *memNotifier) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *memNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func newTestTracker(t *testing.T) (*Tracker, *Cycle, *memNotifier) {
	t.Helper()
	cycle := NewCycle()
	notifier := &memNotifier{}
	tr := NewTracker(cycle, events.NewBus(), newMemStore(), notifier)
	return tr, cycle, notifier
}

func beginRound(t *testing.T, tr *Tracker, cycle *Cycle, accounts ...int) string {
	t.Helper()
	token, ok := cycle.Begin()
	if !ok {
		t.Fatalf("begin round: cycle not idle, state %s", cycle.State())
	}
	tr.StartRound(token)
	for _, idx := range accounts {
		tr.RegisterOrder(idx, orderID(idx, broker.SideBuy), broker.SideBuy,
			"NIFTY23DEC21000CE", broker.SegmentNFO, 100.5, 25)
	}
	tr.SetParticipants(accounts)
	return token
}

func orderID(idx int, side broker.Side) string {
	return "ORD-" + string(side) + "-" + string(rune('0'+idx))
}

func fillEvent(idx int, side broker.Side) broker.OrderEvent {
	return broker.OrderEvent{
		OrderID:    orderID(idx, side),
		Status:     broker.StatusComplete,
		ReportType: broker.ReportFill,
		Side:       side,
		Symbol:     "NIFTY23DEC21000CE",
		Segment:    broker.SegmentNFO,
		FillPrice:  101.0,
		Qty:        25,
		FilledQty:  25,
	}
}

func TestDuplicateReportsIgnored(t *testing.T) {
	tr, cycle, _ := newTestTracker(t)
	beginRound(t, tr, cycle, 0, 1)

	ev := fillEvent(0, broker.SideBuy)
	tr.Ingest(0, ev)
	tr.Ingest(0, ev)
	tr.Ingest(0, ev)

	if cycle.State() != CycleBuyPlaced {
		t.Fatalf("one of two accounts filled, want %s got %s", CycleBuyPlaced, cycle.State())
	}
	tr.mu.Lock()
	filled := len(tr.buyFilled)
	tr.mu.Unlock()
	if filled != 1 {
		t.Fatalf("want 1 buy fill recorded, got %d", filled)
	}
}

func TestPartialFillThenCompleteAdvances(t *testing.T) {
	tr, cycle, _ := newTestTracker(t)
	beginRound(t, tr, cycle, 0)

	partial := fillEvent(0, broker.SideBuy)
	partial.Status = broker.StatusOpen
	partial.FilledQty = 10
	partial.FillPrice = 100.75
	tr.Ingest(0, partial)

	if got := cycle.State(); got != CycleBuyPlaced {
		t.Fatalf("partial fill must not advance the round: want %s got %s", CycleBuyPlaced, got)
	}
	rec := findRecord(t, tr, orderID(0, broker.SideBuy))
	if rec.FilledQty != 10 || rec.FillPrice != 100.75 {
		t.Fatalf("partial fill not recorded: filled %d at %v", rec.FilledQty, rec.FillPrice)
	}

	tr.Ingest(0, fillEvent(0, broker.SideBuy))

	if got := cycle.State(); got != CycleBuyFilled {
		t.Fatalf("completing fill after a partial must advance the round: want %s got %s",
			CycleBuyFilled, got)
	}
	rec = findRecord(t, tr, orderID(0, broker.SideBuy))
	if rec.FilledQty != 25 || rec.Status != broker.StatusComplete {
		t.Fatalf("completing fill not folded in: filled %d status %s", rec.FilledQty, rec.Status)
	}
}

func findRecord(t *testing.T, tr *Tracker, id string) Record {
	t.Helper()
	for _, rec := range tr.Records() {
		if rec.BrokerOrderID == id {
			return rec
		}
	}
	t.Fatalf("no record for order %s", id)
	return Record{}
}

func TestBuyCompleteAnyArrivalOrder(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}}
	for _, seq := range orders {
		tr, cycle, _ := newTestTracker(t)
		beginRound(t, tr, cycle, 0, 1, 2)
		for _, idx := range seq {
			tr.Ingest(idx, fillEvent(idx, broker.SideBuy))
		}
		if got := cycle.State(); got != CycleBuyFilled {
			t.Fatalf("arrival order %v: want %s got %s", seq, CycleBuyFilled, got)
		}
	}
}

func TestFillsBeforeParticipantsKnown(t *testing.T) {
	tr, cycle, _ := newTestTracker(t)
	token, ok := cycle.Begin()
	if !ok {
		t.Fatal("begin round")
	}
	tr.StartRound(token)
	tr.RegisterOrder(0, orderID(0, broker.SideBuy), broker.SideBuy,
		"NIFTY23DEC21000CE", broker.SegmentNFO, 100.5, 25)
	tr.RegisterOrder(1, orderID(1, broker.SideBuy), broker.SideBuy,
		"NIFTY23DEC21000CE", broker.SegmentNFO, 100.5, 25)

	// Reports land before the dispatcher hands over the participant set.
	tr.Ingest(0, fillEvent(0, broker.SideBuy))
	tr.Ingest(1, fillEvent(1, broker.SideBuy))
	if cycle.State() != CycleBuyPlaced {
		t.Fatalf("no participants yet, want %s got %s", CycleBuyPlaced, cycle.State())
	}

	tr.SetParticipants([]int{0, 1})
	if cycle.State() != CycleBuyFilled {
		t.Fatalf("after participants set, want %s got %s", CycleBuyFilled, cycle.State())
	}
}

func TestRejectionDoesNotAdvance(t *testing.T) {
	tr, cycle, notifier := newTestTracker(t)
	beginRound(t, tr, cycle, 0, 1)

	tr.Ingest(0, fillEvent(0, broker.SideBuy))
	tr.Ingest(1, broker.OrderEvent{
		OrderID:      orderID(1, broker.SideBuy),
		Status:       broker.StatusRejected,
		ReportType:   broker.ReportRejected,
		Side:         broker.SideBuy,
		Symbol:       "NIFTY23DEC21000CE",
		Segment:      broker.SegmentNFO,
		RejectReason: "RMS:margin shortfall",
	})

	if cycle.State() != CycleBuyPlaced {
		t.Fatalf("rejection must not advance cycle, got %s", cycle.State())
	}
	if notifier.count() == 0 {
		t.Fatal("rejection should raise an operator alert")
	}
	if _, ok := tr.ActiveOrderID(1, broker.SideBuy); ok {
		t.Fatal("rejected order should no longer be the working order")
	}
}

func TestMalformedReportDropped(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.Ingest(0, broker.OrderEvent{Status: broker.StatusOpen, ReportType: broker.ReportNew})
	if got := len(tr.Records()); got != 0 {
		t.Fatalf("malformed report must not create a record, got %d", got)
	}
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	tr, cycle, _ := newTestTracker(t)
	beginRound(t, tr, cycle, 0)

	tr.Ingest(0, fillEvent(0, broker.SideBuy))
	// Straggler ack arrives after the fill.
	tr.Ingest(0, broker.OrderEvent{
		OrderID:    orderID(0, broker.SideBuy),
		Status:     broker.StatusOpen,
		ReportType: broker.ReportNew,
		Side:       broker.SideBuy,
		Symbol:     "NIFTY23DEC21000CE",
		Segment:    broker.SegmentNFO,
	})

	recs := tr.Records()
	if len(recs) != 1 {
		t.Fatalf("want 1 record, got %d", len(recs))
	}
	if recs[0].Status != broker.StatusComplete {
		t.Fatalf("terminal status regressed to %s", recs[0].Status)
	}
}

func TestFullRoundBuyThenSell(t *testing.T) {
	tr, cycle, _ := newTestTracker(t)
	token := beginRound(t, tr, cycle, 0, 1)

	tr.Ingest(1, fillEvent(1, broker.SideBuy))
	tr.Ingest(0, fillEvent(0, broker.SideBuy))
	if cycle.State() != CycleBuyFilled {
		t.Fatalf("want %s got %s", CycleBuyFilled, cycle.State())
	}

	if !cycle.AdvanceIf(token, CycleBuyFilled, CycleSellPlaced) {
		t.Fatal("sell placement transition refused")
	}
	for _, idx := range []int{0, 1} {
		tr.RegisterOrder(idx, orderID(idx, broker.SideSell), broker.SideSell,
			"NIFTY23DEC21000CE", broker.SegmentNFO, 110.0, 25)
	}
	tr.Ingest(0, fillEvent(0, broker.SideSell))
	tr.Ingest(1, fillEvent(1, broker.SideSell))

	if cycle.State() != CycleIdle {
		t.Fatalf("round should close back to %s, got %s", CycleIdle, cycle.State())
	}
}

func TestStaleFillAfterReleaseIgnored(t *testing.T) {
	tr, cycle, _ := newTestTracker(t)
	beginRound(t, tr, cycle, 0, 1)
	tr.Ingest(0, fillEvent(0, broker.SideBuy))

	cycle.Release()
	token2, ok := cycle.Begin()
	if !ok {
		t.Fatal("begin second round")
	}
	tr.StartRound(token2)
	tr.RegisterOrder(0, "ORD-R2-0", broker.SideBuy,
		"BANKNIFTY23DEC45000CE", broker.SegmentNFO, 200.0, 15)
	tr.SetParticipants([]int{0})

	// Late fill for the released round's second account.
	tr.Ingest(1, fillEvent(1, broker.SideBuy))
	if cycle.State() != CycleBuyPlaced {
		t.Fatalf("stale fill advanced the new round: %s", cycle.State())
	}
}

func TestReplacedUpdatesWorkingOrder(t *testing.T) {
	tr, cycle, _ := newTestTracker(t)
	beginRound(t, tr, cycle, 0)

	tr.Ingest(0, broker.OrderEvent{
		OrderID:    orderID(0, broker.SideBuy),
		Status:     broker.StatusOpen,
		ReportType: broker.ReportReplaced,
		Side:       broker.SideBuy,
		Symbol:     "NIFTY23DEC21000CE",
		Segment:    broker.SegmentNFO,
		Price:      99.5,
		Qty:        50,
	})

	recs := tr.Records()
	if len(recs) != 1 {
		t.Fatalf("want 1 record, got %d", len(recs))
	}
	if recs[0].Price != 99.5 || recs[0].Qty != 50 {
		t.Fatalf("replace not applied: price %v qty %d", recs[0].Price, recs[0].Qty)
	}
	if id, ok := tr.ActiveOrderID(0, broker.SideBuy); !ok || id != orderID(0, broker.SideBuy) {
		t.Fatal("replaced order should remain the working order")
	}
}
