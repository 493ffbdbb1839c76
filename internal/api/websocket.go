package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mirror-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is one state-stream message pushed to the UI.
type frame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// websocket streams round, order and price events to the operator UI. One
// goroutine per topic funnels into a shared channel; the writer loop owns
// the connection.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	topics := []events.Topic{
		events.TopicCycleChange,
		events.TopicOrderUpdate,
		events.TopicBreach,
		events.TopicPriceTick,
		events.TopicNotice,
	}

	out := make(chan frame, 256)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range topics {
		stream, unsub := s.Bus.Subscribe(topic, 64)
		defer unsub()
		go func(topic events.Topic, stream <-chan any) {
			for msg := range stream {
				select {
				case out <- frame{Topic: string(topic), Payload: msg}:
				case <-done:
					return
				}
			}
		}(topic, stream)
	}

	// Opening frame so the UI can render without waiting for an event.
	if err := conn.WriteJSON(frame{Topic: "state", Payload: s.Session.State()}); err != nil {
		return
	}

	for msg := range out {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("api: ws write error: %v", err)
			return
		}
	}
}
