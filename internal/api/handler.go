// Package api exposes the operator control surface: account login, order
// actions, monitor controls and a websocket state stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mirror-core/internal/accounts"
	"mirror-core/internal/events"
	"mirror-core/internal/lifecycle"
	"mirror-core/internal/session"
	"mirror-core/pkg/db"
)

// Server wires HTTP endpoints around the trading session.
type Server struct {
	Router   *gin.Engine
	Session  *session.Session
	Registry *accounts.Registry
	Tracker  *lifecycle.Tracker
	DB       *db.Database
	Bus      *events.Bus

	JWTSecret    string
	OperatorHash string // bcrypt hash of the operator password

	// ActivateAccount logs an account in and attaches its event streams.
	// Injected from main so the server stays transport-only.
	ActivateAccount func(ctx context.Context, index int) error
}

func NewServer(sess *session.Session, reg *accounts.Registry, tracker *lifecycle.Tracker,
	database *db.Database, bus *events.Bus, jwtSecret, operatorHash string) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(TimeoutMiddleware(30 * time.Second))

	s := &Server{
		Router:       r,
		Session:      sess,
		Registry:     reg,
		Tracker:      tracker,
		DB:           database,
		Bus:          bus,
		JWTSecret:    jwtSecret,
		OperatorHash: operatorHash,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/ws", s.websocket)
			protected.GET("/state", s.getState)
			protected.GET("/accounts", s.listAccounts)
			protected.POST("/accounts/:index/login", s.loginAccount)
			protected.POST("/accounts/:index/logout", s.logoutAccount)

			protected.POST("/orders/buy", s.placeBuy)
			protected.POST("/orders/buy/modify", s.modifyBuy)
			protected.POST("/orders/buy/cancel", s.cancelBuy)
			protected.POST("/orders/sell", s.placeSell)
			protected.POST("/orders/sell/modify", s.modifySell)
			protected.POST("/orders/sell/cancel", s.cancelSell)
			protected.POST("/release", s.release)

			protected.POST("/monitor/levels", s.setLevels)
			protected.POST("/monitor/arm", s.armMonitor)
			protected.POST("/monitor/disarm", s.disarmMonitor)

			protected.GET("/orders", s.listOrders)
			protected.GET("/mtm", s.getMTM)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
