package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/stocksim/portfolio-engine/internal/auth"
	"github.com/stocksim/portfolio-engine/internal/ledger"
	"github.com/stocksim/portfolio-engine/internal/metrics"
	"github.com/stocksim/portfolio-engine/internal/model"
	"github.com/stocksim/portfolio-engine/internal/quote"
)

// WebSocket message types.
const (
	MsgPriceTick     = "price_tick"
	MsgTradeExecuted = ledger.EventTradeExecuted
	MsgCashDeposited = ledger.EventCashDeposited
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type        string             `json:"type"`
	Quotes      []quote.Quote      `json:"quotes,omitempty"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	CashBalance *decimal.Decimal   `json:"cash_balance,omitempty"`
	Summary     string             `json:"summary,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

type client struct {
	conn   *websocket.Conn
	userID string // empty for anonymous price-only subscribers
	send   chan []byte
}

type outbound struct {
	userID string // empty means every client
	data   []byte
}

// Hub fans price ticks out to every WebSocket client and ledger events
// out to the clients of the affected user.
type Hub struct {
	tokens     *auth.Tokens
	clients    map[*client]struct{}
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	stopped    chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. Connections presenting ?token= are validated with
// tokens and receive their own trade and deposit events.
func NewHub(tokens *auth.Tokens) *Hub {
	return &Hub{
		tokens:     tokens,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done, closing
// every client. Must be called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "user", c.userID, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if msg.userID != "" && c.userID != msg.userID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow consumer.
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop must be called with mu held.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PriceTick sends fresh quotes to every client.
func (h *Hub) PriceTick(quotes []quote.Quote) {
	h.publish("", Message{Type: MsgPriceTick, Quotes: quotes, Timestamp: time.Now().UTC()})
}

// Notify sends a committed ledger change to the user's clients.
func (h *Hub) Notify(ev ledger.Event) {
	tx := ev.Transaction
	cash := ev.CashBalance
	h.publish(ev.UserID, Message{
		Type:        ev.Kind,
		Transaction: &tx,
		CashBalance: &cash,
		Summary:     summarize(tx),
		Timestamp:   time.Now().UTC(),
	})
}

func (h *Hub) publish(userID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- outbound{userID: userID, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

func summarize(t model.Transaction) string {
	amount := model.FormatMoney(t.TotalAmount, model.Currency)
	if t.Type == model.TxDeposit {
		return "Deposited " + amount
	}
	return fmt.Sprintf("%s %d %s @ %s (%s)", t.Type, t.Quantity, t.Symbol,
		model.FormatMoney(t.Price, model.Currency), amount)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var userID string
	if token := r.URL.Query().Get("token"); token != "" {
		claims, err := h.tokens.Validate(token)
		if err != nil {
			writeError(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		userID = claims.UserID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, userID: userID, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the connection's only writer.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
