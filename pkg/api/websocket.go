package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// Updates a slow reader has not drained are dropped past this depth.
	sendDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are policed by the cors handler in front of the router.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans committed-block updates out to websocket subscribers.
type Hub struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{log: log, subs: make(map[*subscriber]struct{})}
}

// Run keeps the hub open until ctx ends, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.out)
	}
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	h.log.Debugw("ws_connected", "client", s.id, "total", len(h.subs))
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.out)
	h.log.Debugw("ws_disconnected", "client", s.id, "total", len(h.subs))
}

// Publish sends v to every subscriber of topic.
func (h *Hub) Publish(topic string, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.log.Warnw("ws_marshal_failed", "topic", topic, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.out <- msg:
		default:
			h.log.Debugw("ws_update_dropped", "client", s.id, "topic", topic)
		}
	}
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	out  chan []byte

	mu     sync.RWMutex
	topics map[string]bool
}

func (s *subscriber) wants(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topics[topic]
}

func (s *subscriber) apply(req WSSubscribeRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range req.Channels {
		switch req.Op {
		case "subscribe":
			s.topics[t] = true
		case "unsubscribe":
			delete(s.topics, t)
		}
	}
}

// readLoop applies subscription requests until the peer goes away.
func (s *subscriber) readLoop(h *Hub) {
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req WSSubscribeRequest
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debugw("ws_read_failed", "client", s.id, "err", err)
			}
			if _, ok := err.(*json.SyntaxError); ok {
				continue
			}
			return
		}
		s.apply(req)
	}
}

// writeLoop drains out and keeps the connection alive with pings.
func (s *subscriber) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}
	sub := &subscriber{
		id:     conn.RemoteAddr().String(),
		conn:   conn,
		out:    make(chan []byte, sendDepth),
		topics: make(map[string]bool),
	}
	if !s.hub.add(sub) {
		conn.Close()
		return
	}
	go sub.writeLoop()
	go sub.readLoop(s.hub)
}
