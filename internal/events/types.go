package events

import "mirror-core/pkg/broker"

// Topic enumerates the pub/sub channels inside the replication core.
type Topic string

const (
	TopicOrderUpdate Topic = "order.update" // payload: OrderUpdate
	TopicBuyFilled   Topic = "buy.filled"   // payload: FillSignal
	TopicSellFilled  Topic = "sell.filled"  // payload: FillSignal
	TopicCycleChange Topic = "cycle.change" // payload: CycleChange
	TopicBreach      Topic = "monitor.breach"
	TopicPriceTick   Topic = "price.tick" // payload: broker.Tick
	TopicNotice      Topic = "notice"     // payload: string, for notification sinks
)

// OrderUpdate is published after the tracker folds in an order event.
type OrderUpdate struct {
	AccountIndex int
	Event        broker.OrderEvent
}

// FillSignal marks a terminal Complete for one account's order, fired exactly
// once per broker order id.
type FillSignal struct {
	AccountIndex int
	Symbol       string
	Side         broker.Side
	FillPrice    float64
}

// CycleChange announces a cycle state transition.
type CycleChange struct {
	From  string
	To    string
	Token string
}
