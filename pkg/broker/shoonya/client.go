// Package shoonya implements broker.Gateway against the Finvasia Shoonya
// (Noren) REST and websocket APIs. One Client per brokerage login.
package shoonya

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/time/rate"

	"mirror-core/pkg/broker"
)

const (
	apkVersion = "1.0.0"
	source     = "API"
)

// Config holds the endpoints shared by every account's client.
type Config struct {
	BaseURL   string // e.g. https://api.shoonya.com/NorenWClientTP
	StreamURL string // e.g. wss://api.shoonya.com/NorenWSTP/
}

// Client talks to one Shoonya account. Safe for concurrent use; the session
// token is refreshed only through Authenticate.
type Client struct {
	cfg        Config
	creds      broker.Credentials
	httpClient *http.Client
	limiter    *rate.Limiter

	mu        sync.RWMutex
	userToken string
	actID     string

	stream *stream

	tokenMu    sync.Mutex
	tokenCache map[string]string // "EXCH|TSYM" -> scrip token
}

// New builds a client for one account's credentials.
func New(cfg Config, creds broker.Credentials) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.shoonya.com/NorenWClientTP"
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = "wss://api.shoonya.com/NorenWSTP/"
	}
	// Noren throttles at roughly 20 req/s per session.
	return &Client{
		cfg:        cfg,
		creds:      creds,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(20), 20),
		tokenCache: make(map[string]string),
	}
}

type loginResponse struct {
	Stat       string `json:"stat"`
	UserToken  string `json:"susertoken"`
	UserName   string `json:"uname"`
	AccountID  string `json:"actid"`
	ErrMessage string `json:"emsg"`
}

// Authenticate performs the QuickAuth login. The password and app key are
// SHA-256 hashed on the wire and the second factor is a fresh TOTP.
func (c *Client) Authenticate(ctx context.Context, creds broker.Credentials) (broker.SessionIdentity, error) {
	code, err := totp.GenerateCode(creds.TOTPSecret, time.Now())
	if err != nil {
		return broker.SessionIdentity{}, fmt.Errorf("generate totp: %w", err)
	}

	imei := creds.IMEI
	if imei == "" {
		if id, err := machineid.ID(); err == nil {
			imei = id
		} else {
			imei = "mirror-core"
		}
	}

	payload := map[string]string{
		"source":     source,
		"apkversion": apkVersion,
		"uid":        creds.UserID,
		"pwd":        sha256Hex(creds.Password),
		"factor2":    code,
		"vc":         creds.VendorCode,
		"appkey":     sha256Hex(creds.UserID + "|" + creds.APIKey),
		"imei":       imei,
	}

	body, err := c.post(ctx, "/QuickAuth", payload, "")
	if err != nil {
		return broker.SessionIdentity{}, err
	}
	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return broker.SessionIdentity{}, fmt.Errorf("decode login response: %w", err)
	}
	if resp.Stat != "Ok" {
		return broker.SessionIdentity{}, broker.NewError(broker.KindAuth, resp.ErrMessage)
	}

	c.mu.Lock()
	c.creds = creds
	c.userToken = resp.UserToken
	c.actID = resp.AccountID
	if c.actID == "" {
		c.actID = creds.UserID
	}
	c.mu.Unlock()

	return broker.SessionIdentity{ClientName: resp.UserName, Token: resp.UserToken}, nil
}

type orderResponse struct {
	Stat       string `json:"stat"`
	OrderNo    string `json:"norenordno"`
	ErrMessage string `json:"emsg"`
}

// PlaceOrder submits an intraday limit order and returns the broker order
// number.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	uid, actid, token, err := c.session()
	if err != nil {
		return broker.OrderResult{}, err
	}

	payload := map[string]string{
		"uid":      uid,
		"actid":    actid,
		"exch":     string(req.Segment),
		"tsym":     req.Symbol,
		"qty":      strconv.Itoa(req.Qty),
		"prc":      formatPrice(req.Price),
		"dscqty":   "0",
		"prd":      "I",
		"trantype": string(req.Side),
		"prctyp":   "LMT",
		"ret":      "DAY",
		"amo":      "NO",
	}
	if req.ClientID != "" {
		payload["remarks"] = req.ClientID
	}

	body, err := c.post(ctx, "/PlaceOrder", payload, token)
	if err != nil {
		return broker.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return broker.OrderResult{}, fmt.Errorf("decode place response: %w", err)
	}
	if resp.Stat != "Ok" || resp.OrderNo == "" {
		return broker.OrderResult{}, brokerError(resp.ErrMessage)
	}
	return broker.OrderResult{OrderID: resp.OrderNo}, nil
}

// ModifyOrder reprices a working order.
func (c *Client) ModifyOrder(ctx context.Context, req broker.ModifyRequest) error {
	uid, _, token, err := c.session()
	if err != nil {
		return err
	}

	payload := map[string]string{
		"uid":        uid,
		"norenordno": req.OrderID,
		"exch":       string(req.Segment),
		"tsym":       req.Symbol,
		"qty":        strconv.Itoa(req.Qty),
		"prc":        formatPrice(req.Price),
		"prctyp":     "LMT",
		"ret":        "DAY",
	}
	body, err := c.post(ctx, "/ModifyOrder", payload, token)
	if err != nil {
		return err
	}
	return checkStat(body, "modify")
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	uid, _, token, err := c.session()
	if err != nil {
		return err
	}
	payload := map[string]string{
		"uid":        uid,
		"norenordno": orderID,
	}
	body, err := c.post(ctx, "/CancelOrder", payload, token)
	if err != nil {
		return err
	}
	return checkStat(body, "cancel")
}

type positionRow struct {
	Symbol      string `json:"tsym"`
	NetQty      string `json:"netqty"`
	UnrealizedM string `json:"urmtom"`
	RealizedPnL string `json:"rpnl"`
}

// GetPositions reads the day's position book. An empty book is reported by
// the broker as stat Not_Ok with a "no data" message, which maps to an empty
// slice here.
func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	uid, actid, token, err := c.session()
	if err != nil {
		return nil, err
	}

	body, err := c.post(ctx, "/PositionBook", map[string]string{"uid": uid, "actid": actid}, token)
	if err != nil {
		return nil, err
	}

	var rows []positionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		var errResp struct {
			Stat       string `json:"stat"`
			ErrMessage string `json:"emsg"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Stat == "Not_Ok" {
			if strings.Contains(strings.ToLower(errResp.ErrMessage), "no data") {
				return nil, nil
			}
			return nil, brokerError(errResp.ErrMessage)
		}
		return nil, fmt.Errorf("decode position book: %w", err)
	}

	out := make([]broker.Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, broker.Position{
			Symbol:      row.Symbol,
			NetQty:      atoiLoose(row.NetQty),
			UnrealizedM: atofLoose(row.UnrealizedM),
			RealizedPnL: atofLoose(row.RealizedPnL),
		})
	}
	return out, nil
}

type scripMatch struct {
	Values []struct {
		Token  string `json:"token"`
		Symbol string `json:"tsym"`
	} `json:"values"`
}

// scripToken resolves "EXCH|TSYM" to the broker's numeric scrip token, with a
// per-client cache since tokens are stable for the trading day.
func (c *Client) scripToken(ctx context.Context, segment broker.Segment, symbol string) (string, error) {
	key := string(segment) + "|" + symbol

	c.tokenMu.Lock()
	if tok, ok := c.tokenCache[key]; ok {
		c.tokenMu.Unlock()
		return tok, nil
	}
	c.tokenMu.Unlock()

	uid, _, token, err := c.session()
	if err != nil {
		return "", err
	}
	body, err := c.post(ctx, "/SearchScrip", map[string]string{
		"uid":   uid,
		"exch":  string(segment),
		"stext": symbol,
	}, token)
	if err != nil {
		return "", err
	}
	var match scripMatch
	if err := json.Unmarshal(body, &match); err != nil {
		return "", fmt.Errorf("decode scrip search: %w", err)
	}
	for _, v := range match.Values {
		if v.Symbol == symbol {
			c.tokenMu.Lock()
			c.tokenCache[key] = v.Token
			c.tokenMu.Unlock()
			return v.Token, nil
		}
	}
	return "", fmt.Errorf("scrip %s not found on %s", symbol, segment)
}

// post performs one Noren call: the payload rides as jData with the session
// token appended as jKey.
func (c *Client) post(ctx context.Context, endpoint string, payload map[string]string, jKey string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	form := "jData=" + string(data)
	if jKey != "" {
		form += "&jKey=" + jKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, strings.NewReader(form))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) session() (uid, actid, token string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.userToken == "" {
		return "", "", "", broker.NewError(broker.KindAuth, "not logged in")
	}
	return c.creds.UserID, c.actID, c.userToken, nil
}

func checkStat(body []byte, op string) error {
	var resp struct {
		Stat       string `json:"stat"`
		ErrMessage string `json:"emsg"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	if resp.Stat != "Ok" {
		return brokerError(resp.ErrMessage)
	}
	return nil
}

func brokerError(emsg string) error {
	if emsg == "" {
		emsg = "broker returned Not_Ok"
	}
	return broker.NewError(broker.Classify(emsg), emsg)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}

func atoiLoose(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func atofLoose(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
