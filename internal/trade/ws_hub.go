package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string    `json:"type"`
	AccountID     string    `json:"account_id"`
	TransactionID string    `json:"transaction_id"`
	TxType        string    `json:"tx_type"`
	AssetType     string    `json:"asset_type"`
	Symbol        string    `json:"symbol"`
	Quantity      string    `json:"quantity"`
	Price         string    `json:"price"`
	Total         string    `json:"total"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewTransactionMessage describes a committed transaction.
func NewTransactionMessage(tx *model.Transaction) WSMessage {
	return WSMessage{
		Type:          "transaction_committed",
		AccountID:     tx.AccountID,
		TransactionID: tx.ID,
		TxType:        string(tx.Type),
		AssetType:     string(tx.AssetType),
		Symbol:        tx.Symbol,
		Quantity:      tx.Quantity.String(),
		Price:         tx.Price.String(),
		Total:         tx.Total.String(),
		CreatedAt:     tx.CreatedAt,
	}
}

type wsClient struct {
	conn      *websocket.Conn
	accountID string // empty receives every account
	send      chan []byte
}

type wsEnvelope struct {
	accountID string
	data      []byte
}

// WSHub manages WebSocket connections and fans committed transactions out
// to subscribed clients. Each client has its own writer goroutine, so the
// hub loop never blocks on a slow connection.
type WSHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan wsEnvelope
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     *zap.Logger
}

// NewWSHub creates a new WebSocket hub. A nil logger discards output.
func NewWSHub(logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is done, after closing
// every client.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Inc()
			h.logger.Info("ws client connected",
				zap.String("account_id", c.accountID),
				zap.Int("total", len(h.clients)))

		case c := <-h.unregister:
			h.drop(c)

		case env := <-h.broadcast:
			for c := range h.clients {
				if c.accountID != "" && c.accountID != env.accountID {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					// Slow consumer; its writer closes the connection.
					h.drop(c)
				}
			}

		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// Broadcast queues a message for delivery.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEnvelope{accountID: msg.AccountID, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // The API carries no cookies; any origin may subscribe.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// optional account_id query parameter limits the stream to one account.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn:      conn,
		accountID: r.URL.Query().Get("account_id"),
		send:      make(chan []byte, wsSendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer of c.conn. It pings through proxies and
// closes the connection once the hub closes c.send.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
