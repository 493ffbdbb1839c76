package broker

import "context"

// Gateway abstracts one account's connection to the broker. Implementations
// must be safe for concurrent use; the dispatcher calls them from one goroutine
// per account.
type Gateway interface {
	Authenticate(ctx context.Context, creds Credentials) (SessionIdentity, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ModifyOrder(ctx context.Context, req ModifyRequest) error
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(ctx context.Context) ([]Position, error)

	// SubscribeOrders delivers this account's order events until ctx ends.
	// Events for one account arrive in order; nothing is guaranteed across
	// accounts.
	SubscribeOrders(ctx context.Context, fn func(OrderEvent)) error

	// SubscribeQuotes delivers ticks for the given instrument token. Only the
	// master account's gateway is ever subscribed, so child feeds cannot
	// double-trigger the exit monitor.
	SubscribeQuotes(ctx context.Context, token string, fn func(Tick)) error
	UnsubscribeQuotes(token string) error
}
