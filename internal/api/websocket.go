package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"perp-agent/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are forwarded to every websocket client.
var streamTopics = []events.Event{
	events.EventStateUpdate,
	events.EventTradeExecuted,
	events.EventProposalCreated,
	events.EventProposalResolved,
	events.EventEngineError,
}

type wsMessage struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan wsMessage, 64)
	for _, topic := range streamTopics {
		stream, unsub := s.Bus.Subscribe(topic, 32)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for msg := range stream {
				select {
				case merged <- wsMessage{Type: topic, Data: msg}:
				default:
				}
			}
		}(topic, stream)
	}

	// Detect client disconnects; gorilla needs an active reader for close frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(wsMessage{Type: events.EventStateUpdate, Data: s.Engine.State()}); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case msg := <-merged:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}
}
