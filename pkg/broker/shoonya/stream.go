package shoonya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mirror-core/pkg/broker"
)

// stream is one account's Noren websocket connection. Order reports arrive
// unsolicited after the connect ack; touchline quotes arrive only for
// subscribed scrips. The stream reconnects with backoff until the context
// is cancelled.
type stream struct {
	client *Client

	mu       sync.Mutex
	conn     *websocket.Conn
	orderFn  func(broker.OrderEvent)
	quoteFns map[string]func(broker.Tick) // keyed by "EXCH|token"
}

var errNotConnected = errors.New("stream not connected")

// SubscribeOrders opens the account's websocket (if not already open) and
// routes order reports to fn. Blocks until the connect handshake completes.
func (c *Client) SubscribeOrders(ctx context.Context, fn func(broker.OrderEvent)) error {
	c.mu.Lock()
	if c.stream == nil {
		c.stream = &stream{client: c, quoteFns: make(map[string]func(broker.Tick))}
	}
	st := c.stream
	c.mu.Unlock()

	st.mu.Lock()
	st.orderFn = fn
	connected := st.conn != nil
	st.mu.Unlock()
	if connected {
		return nil
	}
	return st.run(ctx)
}

// SubscribeQuotes subscribes the touchline feed for a scrip, given as
// "EXCH|TSYM". The scrip token is resolved through SearchScrip.
func (c *Client) SubscribeQuotes(ctx context.Context, scrip string, fn func(broker.Tick)) error {
	segment, symbol, err := splitScrip(scrip)
	if err != nil {
		return err
	}
	token, err := c.scripToken(ctx, segment, symbol)
	if err != nil {
		return err
	}

	c.mu.Lock()
	st := c.stream
	c.mu.Unlock()
	if st == nil {
		return errNotConnected
	}

	key := string(segment) + "|" + token
	st.mu.Lock()
	st.quoteFns[key] = fn
	conn := st.conn
	st.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return st.send(map[string]string{"t": "t", "k": key})
}

// UnsubscribeQuotes drops the touchline subscription for a scrip.
func (c *Client) UnsubscribeQuotes(scrip string) error {
	segment, symbol, err := splitScrip(scrip)
	if err != nil {
		return err
	}

	c.mu.Lock()
	st := c.stream
	c.mu.Unlock()
	if st == nil {
		return nil
	}

	c.tokenMu.Lock()
	token, ok := c.tokenCache[string(segment)+"|"+symbol]
	c.tokenMu.Unlock()
	if !ok {
		return nil
	}

	key := string(segment) + "|" + token
	st.mu.Lock()
	delete(st.quoteFns, key)
	conn := st.conn
	st.mu.Unlock()
	if conn == nil {
		return nil
	}
	return st.send(map[string]string{"t": "u", "k": key})
}

// run dials, performs the connect handshake and spawns the reader plus the
// reconnect loop. Returns once the first handshake succeeds or fails.
func (s *stream) run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.loop(ctx)
	return nil
}

func (s *stream) connect(ctx context.Context) error {
	uid, actid, token, err := s.client.session()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.client.cfg.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}

	connect := map[string]string{
		"t":          "c",
		"uid":        uid,
		"actid":      actid,
		"susertoken": token,
		"source":     source,
	}
	if err := conn.WriteJSON(connect); err != nil {
		conn.Close()
		return fmt.Errorf("stream connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	var ack struct {
		Type   string `json:"t"`
		Status string `json:"s"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("stream connect ack: %w", err)
	}
	if ack.Type != "ck" || ack.Status != "OK" {
		conn.Close()
		return fmt.Errorf("stream connect refused: %s/%s", ack.Type, ack.Status)
	}
	conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	resub := make([]string, 0, len(s.quoteFns))
	for key := range s.quoteFns {
		resub = append(resub, key)
	}
	s.mu.Unlock()

	for _, key := range resub {
		if err := s.send(map[string]string{"t": "t", "k": key}); err != nil {
			log.Printf("shoonya: resubscribe %s: %v", key, err)
		}
	}
	log.Printf("shoonya: stream connected for %s", uid)
	return nil
}

// loop reads until the connection drops, then redials with backoff. The feed
// expects a heartbeat every ~30s or it drops the session.
func (s *stream) loop(ctx context.Context) {
	go s.heartbeat(ctx)

	backoff := time.Second
	for {
		err := s.read(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("shoonya: stream dropped: %v, reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
		if err := s.connect(ctx); err != nil {
			log.Printf("shoonya: reconnect failed: %v", err)
			continue
		}
		backoff = time.Second
	}
}

func (s *stream) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(map[string]string{"t": "h"}); err != nil && !errors.Is(err, errNotConnected) {
				log.Printf("shoonya: heartbeat: %v", err)
			}
		}
	}
}

func (s *stream) read(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(msg)
	}
}

func (s *stream) send(payload map[string]string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteJSON(payload)
}

// orderMessage is a Noren "om" frame. All numerics arrive as strings.
type orderMessage struct {
	OrderNo      string `json:"norenordno"`
	Status       string `json:"status"`
	ReportType   string `json:"reporttype"`
	TranType     string `json:"trantype"`
	Symbol       string `json:"tsym"`
	Exchange     string `json:"exch"`
	Price        string `json:"prc"`
	FillPrice    string `json:"flprc"`
	AvgPrice     string `json:"avgprc"`
	Qty          string `json:"qty"`
	FillShares   string `json:"fillshares"`
	RejectReason string `json:"rejreason"`
}

func (s *stream) handle(msg []byte) {
	var head struct {
		Type string `json:"t"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		log.Printf("shoonya: stream parse error: %v", err)
		return
	}

	switch head.Type {
	case "om":
		var om orderMessage
		if err := json.Unmarshal(msg, &om); err != nil {
			log.Printf("shoonya: order report parse error: %v", err)
			return
		}
		s.mu.Lock()
		fn := s.orderFn
		s.mu.Unlock()
		if fn != nil {
			fn(om.toEvent())
		}
	case "tf", "tk":
		var tick struct {
			Exchange  string `json:"e"`
			Token     string `json:"tk"`
			LastPrice string `json:"lp"`
		}
		if err := json.Unmarshal(msg, &tick); err != nil {
			log.Printf("shoonya: touchline parse error: %v", err)
			return
		}
		// Depth-only updates carry no lp; skip them.
		if tick.LastPrice == "" {
			return
		}
		key := tick.Exchange + "|" + tick.Token
		s.mu.Lock()
		fn := s.quoteFns[key]
		s.mu.Unlock()
		if fn != nil {
			fn(broker.Tick{Token: key, LastPrice: atofLoose(tick.LastPrice)})
		}
	case "ok", "uk", "ck":
		// subscription acks
	default:
	}
}

func (om orderMessage) toEvent() broker.OrderEvent {
	fillPrice := atofLoose(om.FillPrice)
	if fillPrice == 0 {
		fillPrice = atofLoose(om.AvgPrice)
	}
	return broker.OrderEvent{
		OrderID:      om.OrderNo,
		Status:       broker.Status(om.Status),
		ReportType:   broker.ReportType(om.ReportType),
		Side:         broker.Side(om.TranType),
		Symbol:       om.Symbol,
		Segment:      broker.Segment(om.Exchange),
		Price:        atofLoose(om.Price),
		FillPrice:    fillPrice,
		Qty:          atoiLoose(om.Qty),
		FilledQty:    atoiLoose(om.FillShares),
		RejectReason: om.RejectReason,
	}
}

func splitScrip(scrip string) (broker.Segment, string, error) {
	parts := strings.SplitN(scrip, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("bad scrip %q, want EXCH|TSYM", scrip)
	}
	return broker.Segment(parts[0]), parts[1], nil
}
