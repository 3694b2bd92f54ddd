package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/outcome-engine/internal/engine"
	"github.com/atmx/outcome-engine/internal/metrics"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients. Amounts are decimal
// strings.
type WSMessage struct {
	Type       string `json:"type"`
	MarketID   string `json:"market_id"`
	SubjectID  string `json:"subject_id"`
	State      string `json:"state"`
	PriceYes   string `json:"price_yes"`
	PriceNo    string `json:"price_no"`
	Volume     string `json:"total_volume"`
	TradeID    string `json:"trade_id,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Side       string `json:"side,omitempty"`
	Shares     string `json:"shares,omitempty"`
	Stake      string `json:"stake,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	TotalPaid  string `json:"total_paid,omitempty"`
}

// newWSMessage flattens an engine event for the wire.
func newWSMessage(ev engine.Event) WSMessage {
	m := ev.Market
	msg := WSMessage{
		Type:      string(ev.Type),
		MarketID:  m.ID,
		SubjectID: m.SubjectID,
		State:     string(m.State),
		PriceYes:  m.Price.Yes.String(),
		PriceNo:   m.Price.No.String(),
		Volume:    m.TotalVolume.String(),
	}
	if r := ev.Receipt; r != nil {
		msg.TradeID = r.ID
		msg.Outcome = string(r.Outcome)
		msg.Side = string(r.Side)
		msg.Shares = r.SharesDelta.String()
		msg.Stake = r.StakeDelta.String()
	}
	if s := ev.Settlement; s != nil {
		msg.Resolution = string(m.ResolvedOutcome)
		msg.TotalPaid = s.TotalPaid.String()
	}
	return msg
}

// WSHub manages WebSocket connections and broadcasts committed market events
// to every connected client. It implements engine.Publisher.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

var _ engine.Publisher = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client connection.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// ClientCount reports the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an engine event for broadcast. It never blocks; events are
// dropped when the buffer is full.
func (h *WSHub) Publish(ev engine.Event) {
	h.Broadcast(newWSMessage(ev))
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("ws broadcast buffer full, dropping message", "type", msg.Type, "market_id", msg.MarketID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
