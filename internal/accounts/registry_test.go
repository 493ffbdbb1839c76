package accounts

import (
	"context"
	"errors"
	"testing"

	"mirror-core/pkg/broker"
)

type stubGateway struct {
	authErr error
}

func (g *stubGateway) Authenticate(_ context.Context, creds broker.Credentials) (broker.SessionIdentity, error) {
	if g.authErr != nil {
		return broker.SessionIdentity{}, g.authErr
	}
	return broker.SessionIdentity{ClientName: creds.UserID}, nil
}

func (g *stubGateway) PlaceOrder(_ context.Context, _ broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (g *stubGateway) ModifyOrder(_ context.Context, _ broker.ModifyRequest) error { return nil }
func (g *stubGateway) CancelOrder(_ context.Context, _ string) error               { return nil }
func (g *stubGateway) GetPositions(_ context.Context) ([]broker.Position, error)   { return nil, nil }
func (g *stubGateway) SubscribeOrders(_ context.Context, _ func(broker.OrderEvent)) error {
	return nil
}
func (g *stubGateway) SubscribeQuotes(_ context.Context, _ string, _ func(broker.Tick)) error {
	return nil
}
func (g *stubGateway) UnsubscribeQuotes(_ string) error { return nil }

func newTestRegistry(indexes ...int) (*Registry, map[int]*stubGateway) {
	gws := make(map[int]*stubGateway, len(indexes))
	accs := make([]*Account, 0, len(indexes))
	for _, idx := range indexes {
		gw := &stubGateway{}
		gws[idx] = gw
		accs = append(accs, &Account{
			Index:       idx,
			Gateway:     gw,
			Credentials: broker.Credentials{UserID: "U" + string(rune('0'+idx))},
		})
	}
	return NewRegistry(accs), gws
}

func TestMasterFollowsAccountOne(t *testing.T) {
	reg, gws := newTestRegistry(1, 2)
	ctx := context.Background()

	// Only the child logged in: monitoring must not follow its feed.
	if _, err := reg.Activate(ctx, 2); err != nil {
		t.Fatalf("activate child: %v", err)
	}
	if _, err := reg.Master(); !errors.Is(err, ErrMasterInactive) {
		t.Fatalf("want %v with master logged out, got %v", ErrMasterInactive, err)
	}

	if _, err := reg.Activate(ctx, MasterIndex); err != nil {
		t.Fatalf("activate master: %v", err)
	}
	gw, err := reg.Master()
	if err != nil {
		t.Fatalf("master: %v", err)
	}
	if gw != gws[MasterIndex] {
		t.Fatal("master resolved to a different account's gateway")
	}

	reg.Deactivate(MasterIndex)
	if _, err := reg.Master(); !errors.Is(err, ErrMasterInactive) {
		t.Fatalf("want %v after master logout, got %v", ErrMasterInactive, err)
	}
}

func TestMasterMissingFromConfig(t *testing.T) {
	reg, _ := newTestRegistry(2, 3)
	if _, err := reg.Master(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want %v, got %v", ErrNotFound, err)
	}
}

func TestActivateFailureLeavesAccountInactive(t *testing.T) {
	reg, gws := newTestRegistry(1)
	gws[1].authErr = errors.New("invalid totp")

	if _, err := reg.Activate(context.Background(), 1); err == nil {
		t.Fatal("want authentication error")
	}
	if reg.IsActive(1) {
		t.Fatal("failed login must leave the account inactive")
	}
	if got := reg.Active(); len(got) != 0 {
		t.Fatalf("want no active accounts, got %v", got)
	}
}
