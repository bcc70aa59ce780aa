package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"example.com/duel_relay/internal/config"
	"example.com/duel_relay/internal/game"
	"example.com/duel_relay/internal/session"
)

// ---------- message envelope ----------

// Msg is the wire envelope in both directions: {"t": type, "m": payload}.
type Msg struct {
	T string          `json:"t"`
	M json.RawMessage `json:"m,omitempty"`
}

type roomRequest struct {
	Room string `json:"room"`
}

type moveRequest struct {
	Room string    `json:"room"`
	Move game.Move `json:"move"`
}

// Handler receives decoded connection events.
type Handler interface {
	Create(conn, roomID string)
	Join(conn, roomID string)
	Rejoin(conn, roomID string)
	Move(conn, roomID string, m game.Move)
	Disconnect(conn string)
}

// ---------- hub ----------

// Hub owns the live websocket connections and the per-room broadcast groups.
// It implements session.Transport.
type Hub struct {
	cfg          config.TransportConfig
	allowOrigins map[string]bool
	logger       *zap.Logger
	handler      Handler

	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[string]*Client // room id → members
}

var _ session.Transport = (*Hub)(nil)

// NewHub creates a hub. An empty allow list accepts any origin.
//
// Precondition: logger must be non-nil.
func NewHub(cfg config.TransportConfig, allow []string, logger *zap.Logger) *Hub {
	m := map[string]bool{}
	for _, a := range allow {
		if a != "" {
			m[a] = true
		}
	}
	return &Hub{
		cfg:          cfg,
		allowOrigins: m,
		logger:       logger,
		clients:      map[string]*Client{},
		groups:       map[string]map[string]*Client{},
	}
}

// Attach sets the event handler. It must be called before ServeWS.
func (h *Hub) Attach(handler Handler) {
	h.handler = handler
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ---------- websockets ----------

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && len(h.allowOrigins) > 0 && !h.allowOrigins[origin] {
		http.Error(w, "forbidden origin", http.StatusForbidden)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	c.SetReadLimit(h.cfg.ReadLimit)

	client := newClient(c, h.cfg.SendBuffer)
	h.register(client)
	h.logger.Info("client connected",
		zap.String("conn", client.ID()),
		zap.String("remote", r.RemoteAddr),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.writeLoop(ctx, h.cfg.PingInterval, h.cfg.WriteTimeout, h.logger)
		cancel()
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		var m Msg
		if err := json.Unmarshal(data, &m); err != nil {
			h.logger.Debug("malformed frame skipped", zap.String("conn", client.ID()), zap.Error(err))
			continue
		}
		h.dispatch(client.ID(), m)
	}

	// Seats go first so the remaining players are told while the leaver's
	// queue is still registered; then the queue is closed.
	h.handler.Disconnect(client.ID())
	h.unregister(client)
	<-writerDone
	h.logger.Info("client disconnected", zap.String("conn", client.ID()))
}

func (h *Hub) dispatch(conn string, m Msg) {
	switch m.T {
	case session.EventCreate, session.EventJoin, session.EventRejoin:
		roomID, ok := decodeRoom(m.M)
		if !ok {
			h.logger.Debug("room request without room id", zap.String("conn", conn), zap.String("type", m.T))
			return
		}
		switch m.T {
		case session.EventCreate:
			h.handler.Create(conn, roomID)
		case session.EventJoin:
			h.handler.Join(conn, roomID)
		default:
			h.handler.Rejoin(conn, roomID)
		}

	case session.EventMove:
		var p moveRequest
		if err := json.Unmarshal(m.M, &p); err != nil {
			h.logger.Debug("malformed move skipped", zap.String("conn", conn), zap.Error(err))
			return
		}
		h.handler.Move(conn, p.Room, p.Move)

	default:
		h.logger.Debug("unknown event type", zap.String("conn", conn), zap.String("type", m.T))
	}
}

// decodeRoom accepts either {"room": "id"} or a bare JSON string.
func decodeRoom(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			return "", false
		}
		return id, true
	}
	var p roomRequest
	if err := json.Unmarshal(raw, &p); err != nil || p.Room == "" {
		return "", false
	}
	return p.Room, true
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
	for id, members := range h.groups {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, id)
		}
	}
	close(c.send)
}

// ---------- transport ----------

// Send implements session.Transport.
func (h *Hub) Send(conn string, ev session.Event) {
	b, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[conn]; ok {
		h.enqueue(c, b)
	}
}

// Broadcast implements session.Transport.
func (h *Hub) Broadcast(roomID string, ev session.Event) {
	b, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.groups[roomID] {
		h.enqueue(c, b)
	}
}

// JoinGroup implements session.Transport.
func (h *Hub) JoinGroup(conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[conn]
	if !ok {
		return
	}
	members, ok := h.groups[roomID]
	if !ok {
		members = map[string]*Client{}
		h.groups[roomID] = members
	}
	members[conn] = c
}

// LeaveGroup implements session.Transport.
func (h *Hub) LeaveGroup(conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[roomID]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(h.groups, roomID)
	}
}

// enqueue never blocks; a full queue drops the frame. Caller holds h.mu.
func (h *Hub) enqueue(c *Client, b []byte) {
	select {
	case c.send <- b:
	default:
		h.logger.Warn("send queue full, frame dropped", zap.String("conn", c.ID()))
	}
}

func (h *Hub) encode(ev session.Event) ([]byte, bool) {
	m := Msg{T: ev.Type}
	if ev.Payload != nil {
		p, err := json.Marshal(ev.Payload)
		if err != nil {
			h.logger.Error("encoding payload", zap.String("type", ev.Type), zap.Error(err))
			return nil, false
		}
		m.M = p
	}
	b, err := json.Marshal(m)
	if err != nil {
		h.logger.Error("encoding frame", zap.String("type", ev.Type), zap.Error(err))
		return nil, false
	}
	return b, true
}
