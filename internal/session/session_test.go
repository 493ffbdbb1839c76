package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"mirror-core/internal/accounts"
	"mirror-core/internal/dispatch"
	"mirror-core/internal/events"
	"mirror-core/internal/exitwatch"
	"mirror-core/internal/lifecycle"
	"mirror-core/pkg/broker"
)

// fakeGateway is an in-memory broker. Placements are acked with sequential
// ids; the test emits order reports by calling the tracker directly, the
// same path the websocket feed uses in production.
type fakeGateway struct {
	mu      sync.Mutex
	seq     int
	placed  []broker.OrderRequest
	cancels []string
	// placeErr, when set, fails the next PlaceOrder.
	placeErr error
}

func (g *fakeGateway) Authenticate(_ context.Context, creds broker.Credentials) (broker.SessionIdentity, error) {
	return broker.SessionIdentity{ClientName: creds.UserID, Token: "sess-" + creds.UserID}, nil
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		err := g.placeErr
		g.placeErr = nil
		return broker.OrderResult{}, err
	}
	g.seq++
	g.placed = append(g.placed, req)
	return broker.OrderResult{OrderID: fmt.Sprintf("FAKE-%p-%d", g, g.seq)}, nil
}

func (g *fakeGateway) ModifyOrder(_ context.Context, _ broker.ModifyRequest) error { return nil }

func (g *fakeGateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, orderID)
	return nil
}

func (g *fakeGateway) GetPositions(_ context.Context) ([]broker.Position, error) {
	return []broker.Position{{Symbol: "NIFTY", UnrealizedM: 150, RealizedPnL: -25}}, nil
}

func (g *fakeGateway) SubscribeOrders(_ context.Context, _ func(broker.OrderEvent)) error { return nil }
func (g *fakeGateway) SubscribeQuotes(_ context.Context, _ string, _ func(broker.Tick)) error {
	return nil
}
func (g *fakeGateway) UnsubscribeQuotes(_ string) error { return nil }

func (g *fakeGateway) lastOrder() (string, broker.OrderRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req := g.placed[len(g.placed)-1]
	return fmt.Sprintf("FAKE-%p-%d", g, g.seq), req
}

type rig struct {
	session  *Session
	tracker  *lifecycle.Tracker
	cycle    *lifecycle.Cycle
	monitor  *exitwatch.Monitor
	gateways []*fakeGateway
}

func newRig(t *testing.T, accountCount int) *rig {
	t.Helper()
	gws := make([]*fakeGateway, accountCount)
	accs := make([]*accounts.Account, accountCount)
	for i := 0; i < accountCount; i++ {
		gws[i] = &fakeGateway{}
		accs[i] = &accounts.Account{
			Index:       i,
			DisplayName: fmt.Sprintf("acct-%d", i),
			Gateway:     gws[i],
			Credentials: broker.Credentials{UserID: fmt.Sprintf("U%d", i)},
		}
	}
	reg := accounts.NewRegistry(accs)
	for i := 0; i < accountCount; i++ {
		if _, err := reg.Activate(context.Background(), i); err != nil {
			t.Fatalf("activate account %d: %v", i, err)
		}
	}

	bus := events.NewBus()
	cycle := lifecycle.NewCycle()
	tracker := lifecycle.NewTracker(cycle, bus, nil, nil)
	disp := dispatch.NewDispatcher(reg, tracker, bus, time.Second)
	mon := exitwatch.NewMonitor(bus)
	sess := New(reg, disp, tracker, cycle, mon, bus)
	return &rig{session: sess, tracker: tracker, cycle: cycle, monitor: mon, gateways: gws}
}

// fill emits the broker's fill report for an account's latest order.
func (r *rig) fill(accountIndex int) {
	id, req := r.gateways[accountIndex].lastOrder()
	r.tracker.Ingest(accountIndex, broker.OrderEvent{
		OrderID:    id,
		Status:     broker.StatusComplete,
		ReportType: broker.ReportFill,
		Side:       req.Side,
		Symbol:     req.Symbol,
		Segment:    req.Segment,
		FillPrice:  req.Price,
		Qty:        req.Qty,
		FilledQty:  req.Qty,
	})
}

func waitState(t *testing.T, cycle *lifecycle.Cycle, want lifecycle.CycleState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cycle.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cycle never reached %s, stuck at %s", want, cycle.State())
}

func TestTwoAccountRound(t *testing.T) {
	r := newRig(t, 2)
	ctx := context.Background()

	results, err := r.session.PlaceBuy(ctx, "NIFTY23DEC21000CE", 100.5, map[int]int{0: 50, 1: 7})
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	// Lot size 25 for NIFTY: 7 rounds up to 25.
	_, req1 := r.gateways[1].lastOrder()
	if req1.Qty != 25 {
		t.Fatalf("account 1 qty: want 25 lots-rounded, got %d", req1.Qty)
	}
	if got := r.cycle.State(); got != lifecycle.CycleBuyPlaced {
		t.Fatalf("want %s got %s", lifecycle.CycleBuyPlaced, got)
	}

	// Fills land in reverse account order.
	r.fill(1)
	if r.cycle.State() != lifecycle.CycleBuyPlaced {
		t.Fatal("cycle advanced before all buys filled")
	}
	r.fill(0)
	waitState(t, r.cycle, lifecycle.CycleBuyFilled)

	// Arm, then breach the stop: the monitor must exit the position itself.
	r.session.SetStopLoss(95)
	if err := r.session.ArmMonitor(); err != nil {
		t.Fatalf("arm: %v", err)
	}
	for _, price := range []float64{105, 94, 93} {
		r.monitor.OnTick(broker.Tick{LastPrice: price})
	}
	waitState(t, r.cycle, lifecycle.CycleSellPlaced)

	_, sellReq := r.gateways[0].lastOrder()
	if sellReq.Side != broker.SideSell || sellReq.Price != 94 {
		t.Fatalf("want sell at breach price 94, got %s @ %.2f", sellReq.Side, sellReq.Price)
	}
	if sellReq.Qty != 50 {
		t.Fatalf("sell should reuse buy quantity, got %d", sellReq.Qty)
	}

	r.fill(0)
	r.fill(1)
	waitState(t, r.cycle, lifecycle.CycleIdle)
}

func TestMarginShortfallAbortsBuy(t *testing.T) {
	r := newRig(t, 2)
	r.gateways[1].placeErr = broker.NewError(broker.KindMargin, "RMS:Margin Exceeds")

	_, err := r.session.PlaceBuy(context.Background(), "BANKNIFTY23DEC45000CE", 200, map[int]int{0: 15, 1: 15})
	if err == nil {
		t.Fatal("want margin abort error")
	}
	if got := r.cycle.State(); got != lifecycle.CycleIdle {
		t.Fatalf("aborted buy must leave round idle, got %s", got)
	}
	r.gateways[0].mu.Lock()
	cancels := len(r.gateways[0].cancels)
	r.gateways[0].mu.Unlock()
	if cancels != 1 {
		t.Fatalf("account 0 placement should be rolled back, got %d cancels", cancels)
	}
}

func TestSecondBuyRefusedMidRound(t *testing.T) {
	r := newRig(t, 1)
	ctx := context.Background()

	if _, err := r.session.PlaceBuy(ctx, "NIFTY23DEC21000CE", 100, map[int]int{0: 25}); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := r.session.PlaceBuy(ctx, "NIFTY23DEC21000CE", 100, map[int]int{0: 25}); err != ErrRoundActive {
		t.Fatalf("want ErrRoundActive, got %v", err)
	}
}

func TestSellRefusedBeforeBuyFilled(t *testing.T) {
	r := newRig(t, 1)
	ctx := context.Background()

	if _, err := r.session.PlaceBuy(ctx, "NIFTY23DEC21000CE", 100, map[int]int{0: 25}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := r.session.PlaceSell(ctx, 110, nil); err != ErrBuyNotFilled {
		t.Fatalf("want ErrBuyNotFilled, got %v", err)
	}
}

func TestReleaseOrphansLateFill(t *testing.T) {
	r := newRig(t, 1)
	ctx := context.Background()

	if _, err := r.session.PlaceBuy(ctx, "NIFTY23DEC21000CE", 100, map[int]int{0: 25}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	id, req := r.gateways[0].lastOrder()

	if prev := r.session.Release(); prev != lifecycle.CycleBuyPlaced {
		t.Fatalf("release from %s", prev)
	}
	if got := r.cycle.State(); got != lifecycle.CycleIdle {
		t.Fatalf("want idle after release, got %s", got)
	}

	// The fill arrives after release; it must not resurrect the round.
	r.tracker.Ingest(0, broker.OrderEvent{
		OrderID:    id,
		Status:     broker.StatusComplete,
		ReportType: broker.ReportFill,
		Side:       req.Side,
		Symbol:     req.Symbol,
		Segment:    req.Segment,
		FillPrice:  req.Price,
		FilledQty:  req.Qty,
	})
	time.Sleep(20 * time.Millisecond)
	if got := r.cycle.State(); got != lifecycle.CycleIdle {
		t.Fatalf("late fill advanced released round to %s", got)
	}
}

func TestMTMSumsAcrossAccounts(t *testing.T) {
	r := newRig(t, 2)
	mtm, err := r.session.MTM(context.Background())
	if err != nil {
		t.Fatalf("mtm: %v", err)
	}
	for idx, want := range map[int]float64{0: 125, 1: 125} {
		if mtm[idx] != want {
			t.Fatalf("account %d mtm: want %.2f got %.2f", idx, want, mtm[idx])
		}
	}
}
