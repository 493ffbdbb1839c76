package broker

// Side denotes order side using the broker's single-letter convention.
type Side string

const (
	SideBuy  Side = "B"
	SideSell Side = "S"
)

// Opposite returns the exit side for a given entry side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Status normalizes broker order status into a small set.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOpen      Status = "OPEN"
	StatusComplete  Status = "COMPLETE"
	StatusCancelled Status = "CANCELED"
	StatusRejected  Status = "REJECTED"
)

// Terminal reports whether no further transitions can follow this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ReportType is the broker's per-event report classification.
type ReportType string

const (
	ReportNewAck        ReportType = "NewAck"
	ReportModAck        ReportType = "ModAck"
	ReportPendingCancel ReportType = "PendingCancel"
	ReportNew           ReportType = "New"
	ReportReplaced      ReportType = "Replaced"
	ReportFill          ReportType = "Fill"
	ReportCanceled      ReportType = "Canceled"
	ReportRejected      ReportType = "Rejected"
)

// Segment identifies the derivatives segment an instrument trades on.
type Segment string

const (
	SegmentNFO Segment = "NFO" // NSE F&O
	SegmentBFO Segment = "BFO" // BSE F&O
)

// Credentials holds one account's login material.
type Credentials struct {
	UserID     string `yaml:"user_id"`
	Password   string `yaml:"password"`
	TOTPSecret string `yaml:"totp_secret"`
	VendorCode string `yaml:"vendor_code"`
	APIKey     string `yaml:"api_key"`
	IMEI       string `yaml:"imei"` // optional, machine id is used when empty
}

// SessionIdentity is the broker's view of an authenticated login.
type SessionIdentity struct {
	ClientName string
	Token      string
}

// OrderRequest captures a single-account order to be sent to the broker.
type OrderRequest struct {
	Symbol   string
	Segment  Segment
	Side     Side
	Qty      int
	Price    float64
	ClientID string // optional client-side tag
}

// ModifyRequest changes price/qty of a working order.
type ModifyRequest struct {
	OrderID string
	Symbol  string
	Segment Segment
	Qty     int
	Price   float64
}

// OrderResult is the broker ack for a placement.
type OrderResult struct {
	OrderID string
}

// OrderEvent is one push update from an account's order stream.
// Field names mirror the broker feed; arrival order across accounts is not
// guaranteed and duplicates are possible.
type OrderEvent struct {
	OrderID      string
	Status       Status
	ReportType   ReportType
	Side         Side
	Symbol       string
	Segment      Segment
	Price        float64
	FillPrice    float64
	Qty          int
	FilledQty    int
	RejectReason string
}

// Valid reports whether the event carries the fields the tracker requires.
func (e OrderEvent) Valid() bool {
	return e.OrderID != "" && e.Status != "" && e.ReportType != "" && e.Side != ""
}

// Tick is one price update from the quote stream.
type Tick struct {
	Token     string
	LastPrice float64
}

// Position is a broker-side open position row, read for MTM only.
type Position struct {
	Symbol      string
	NetQty      int
	UnrealizedM float64 // urmtom
	RealizedPnL float64 // rpnl
}

// MTM sums day mark-to-market over a position list.
func MTM(positions []Position) float64 {
	var total float64
	for _, p := range positions {
		total += p.UnrealizedM + p.RealizedPnL
	}
	return total
}
