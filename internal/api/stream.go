package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wrapbridge/engine/internal/monitor"
	"github.com/wrapbridge/engine/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

const (
	messageTransaction = "transaction"
	messageWarning     = "warning"
)

// streamMessage is one frame of an owner's feed
type streamMessage struct {
	Type        string             `json:"type"`
	Transaction *types.Transaction `json:"transaction,omitempty"`
	Warning     *StreamWarning     `json:"warning,omitempty"`
}

// StreamWarning reports that a transaction could not be observed. Its status is unchanged and
// the monitor keeps trying.
type StreamWarning struct {
	TxID     string       `json:"txId"`
	Status   types.Status `json:"status"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error"`
	At       time.Time    `json:"at"`
}

// streamClient is one websocket connection following an owner's ledger
type streamClient struct {
	conn *websocket.Conn
	send chan streamMessage
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

// hub fans ledger changes out to the owner's stream clients
type hub struct {
	mu      sync.Mutex
	clients map[string]map[*streamClient]struct{}
	logger  logrus.FieldLogger
}

func newHub(logger logrus.FieldLogger) *hub {
	return &hub{clients: make(map[string]map[*streamClient]struct{}), logger: logger}
}

func (h *hub) add(owner string, c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[owner] == nil {
		h.clients[owner] = make(map[*streamClient]struct{})
	}
	h.clients[owner][c] = struct{}{}
}

func (h *hub) remove(owner string, c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[owner]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, owner)
		}
	}
	c.close()
}

func (h *hub) count(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[owner])
}

// broadcast runs on the ledger writer's goroutine
func (h *hub) broadcast(tx types.Transaction) {
	h.deliver(tx.Owner, streamMessage{Type: messageTransaction, Transaction: &tx})
}

func (h *hub) warn(w monitor.Warning) {
	sw := &StreamWarning{TxID: w.TxID, Status: w.Status, Attempts: w.Attempts, At: w.At}
	if w.Err != nil {
		sw.Error = w.Err.Error()
	}
	h.deliver(types.NormalizeOwner(w.Owner), streamMessage{Type: messageWarning, Warning: sw})
}

// deliver never blocks; a client that cannot keep up is dropped
func (h *hub) deliver(owner string, msg streamMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[owner] {
		select {
		case c.send <- msg:
		default:
			h.logger.WithField("owner", owner).Warn("⚠️  Dropping slow stream client")
			delete(h.clients[owner], c)
			c.close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for owner, set := range h.clients {
		for c := range set {
			c.close()
		}
		delete(h.clients, owner)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	owner := types.NormalizeOwner(chi.URLParam(r, "owner"))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	client := &streamClient{conn: conn, send: make(chan streamMessage, 32)}
	s.hub.add(owner, client)

	go s.readPump(owner, client)
	s.writePump(client)
}

// readPump only services control frames and notices the peer going away
func (s *Server) readPump(owner string, c *streamClient) {
	defer s.hub.remove(owner, c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
