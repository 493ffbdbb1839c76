package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mirror-core/internal/dispatch"
	"mirror-core/internal/session"
)

type orderBody struct {
	Symbol string      `json:"symbol"`
	Price  float64     `json:"price"`
	Qty    map[int]int `json:"qty"`
}

type accountView struct {
	Index       int    `json:"index"`
	DisplayName string `json:"displayName"`
	Active      bool   `json:"active"`
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.Session.State())
}

func (s *Server) listAccounts(c *gin.Context) {
	indexes := s.Registry.Indexes()
	out := make([]accountView, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, accountView{
			Index:       idx,
			DisplayName: s.Registry.DisplayName(idx),
			Active:      s.Registry.IsActive(idx),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) loginAccount(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad account index"})
		return
	}
	if s.ActivateAccount == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "activation not wired"})
		return
	}
	if err := s.ActivateAccount(c.Request.Context(), idx); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"index":       idx,
		"displayName": s.Registry.DisplayName(idx),
	})
}

func (s *Server) logoutAccount(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad account index"})
		return
	}
	s.Registry.Deactivate(idx)
	c.JSON(http.StatusOK, gin.H{"index": idx, "active": false})
}

func (s *Server) placeBuy(c *gin.Context) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Symbol == "" || body.Price <= 0 || len(body.Qty) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol, price and qty required"})
		return
	}
	results, err := s.Session.PlaceBuy(c.Request.Context(), body.Symbol, body.Price, body.Qty)
	s.respondResults(c, results, err)
}

func (s *Server) modifyBuy(c *gin.Context) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Price <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price required"})
		return
	}
	results, err := s.Session.ModifyBuy(c.Request.Context(), body.Price, body.Qty)
	s.respondResults(c, results, err)
}

func (s *Server) cancelBuy(c *gin.Context) {
	results, err := s.Session.CancelBuy(c.Request.Context())
	s.respondResults(c, results, err)
}

func (s *Server) placeSell(c *gin.Context) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Price <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price required"})
		return
	}
	results, err := s.Session.PlaceSell(c.Request.Context(), body.Price, body.Qty)
	s.respondResults(c, results, err)
}

func (s *Server) modifySell(c *gin.Context) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Price <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price required"})
		return
	}
	results, err := s.Session.ModifySell(c.Request.Context(), body.Price, body.Qty)
	s.respondResults(c, results, err)
}

func (s *Server) cancelSell(c *gin.Context) {
	results, err := s.Session.CancelSell(c.Request.Context())
	s.respondResults(c, results, err)
}

func (s *Server) release(c *gin.Context) {
	prev := s.Session.Release()
	c.JSON(http.StatusOK, gin.H{"releasedFrom": prev, "state": s.Session.State()})
}

func (s *Server) setLevels(c *gin.Context) {
	var body struct {
		StopLoss *float64 `json:"stopLoss"`
		Target   *float64 `json:"target"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad body"})
		return
	}
	if body.StopLoss != nil {
		s.Session.SetStopLoss(*body.StopLoss)
	}
	if body.Target != nil {
		s.Session.SetTarget(*body.Target)
	}
	c.JSON(http.StatusOK, s.Session.State())
}

func (s *Server) armMonitor(c *gin.Context) {
	if err := s.Session.ArmMonitor(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.Session.State())
}

func (s *Server) disarmMonitor(c *gin.Context) {
	s.Session.DisarmMonitor()
	c.JSON(http.StatusOK, s.Session.State())
}

func (s *Server) listOrders(c *gin.Context) {
	c.JSON(http.StatusOK, s.Tracker.Records())
}

func (s *Server) getMTM(c *gin.Context) {
	perAccount, err := s.Session.MTM(c.Request.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, dispatch.ErrNoActiveAccounts) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	var total float64
	for _, v := range perAccount {
		total += v
	}
	c.JSON(http.StatusOK, gin.H{"accounts": perAccount, "total": total})
}

// respondResults maps session outcomes onto HTTP statuses: state conflicts
// are 409, broker-side failures 502, success 200 with per-account detail.
func (s *Server) respondResults(c *gin.Context, results []dispatch.AccountResult, err error) {
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, session.ErrRoundActive),
			errors.Is(err, session.ErrBuyNotFilled),
			errors.Is(err, session.ErrWrongState):
			status = http.StatusConflict
		case errors.Is(err, dispatch.ErrNoActiveAccounts):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error(), "results": resultViews(results)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": resultViews(results), "state": s.Session.State()})
}

type resultView struct {
	AccountIndex  int    `json:"accountIndex"`
	BrokerOrderID string `json:"brokerOrderId,omitempty"`
	Error         string `json:"error,omitempty"`
}

func resultViews(results []dispatch.AccountResult) []resultView {
	out := make([]resultView, 0, len(results))
	for _, r := range results {
		v := resultView{AccountIndex: r.AccountIndex, BrokerOrderID: r.BrokerOrderID}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		out = append(out, v)
	}
	return out
}
