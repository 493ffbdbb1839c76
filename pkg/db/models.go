package db

import "time"

// OrderRecord is one account's order row, superseded in place as events arrive.
type OrderRecord struct {
	BrokerOrderID  string
	AccountIndex   int
	Symbol         string
	Segment        string
	Side           string
	RequestedPrice float64
	RequestedQty   int
	Status         string
	LastReportType string
	RejectReason   string
	FillPrice      float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fill is one recorded execution.
type Fill struct {
	ID            string
	BrokerOrderID string
	AccountIndex  int
	Symbol        string
	Side          string
	Price         float64
	Qty           int
	CreatedAt     time.Time
}
