package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/ppah/horosafe"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

// Hub owns the rooms. Safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]map[*peer]struct{}
	maxPeers int
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

type peer struct {
	conn *websocket.Conn
	room string
	send chan []byte
	once sync.Once
}

func (p *peer) close() { p.once.Do(func() { close(p.send) }) }

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// WithAllowedOrigins restricts browser origins by host. Requests without an
// Origin header (native monitors) are always accepted. Default: any origin.
func WithAllowedOrigins(hosts ...string) Option {
	return func(h *Hub) {
		allowed := make(map[string]bool, len(hosts))
		for _, host := range hosts {
			allowed[host] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if !allowed[u.Hostname()] {
				h.logger.Warn("signaling: rejected origin", "origin", origin)
				return false
			}
			return true
		}
	}
}

// NewHub returns a hub with two-peer rooms.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		rooms:    make(map[string]map[*peer]struct{}),
		maxPeers: 2,
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Mount registers GET /ws/{room} on r.
func (h *Hub) Mount(r chi.Router) {
	r.Get("/ws/{room}", func(w http.ResponseWriter, req *http.Request) {
		h.Serve(w, req, chi.URLParam(req, "room"))
	})
}

// Serve upgrades the request and runs the peer in room until it leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, room string) {
	if err := horosafe.ValidateIdentifier(room); err != nil {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("signaling: upgrade failed", "room", room, "error", err)
		return
	}

	p := &peer{conn: conn, room: room, send: make(chan []byte, sendBuffer)}
	if !h.join(p) {
		h.logger.Info("signaling: room full", "room", room)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(Message{Type: TypeError, Message: ErrRoomFull})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrRoomFull),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.logger.Info("signaling: peer joined", "room", room)

	go h.writePump(p)
	h.readPump(p)
}

func (h *Hub) join(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.rooms[p.room]
	if peers == nil {
		peers = make(map[*peer]struct{})
		h.rooms[p.room] = peers
	}
	if len(peers) >= h.maxPeers {
		return false
	}
	peers[p] = struct{}{}
	return true
}

// leave removes p and tells the remaining peers. Empty rooms are deleted.
func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	peers, ok := h.rooms[p.room]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, in := peers[p]; !in {
		h.mu.Unlock()
		return
	}
	delete(peers, p)
	if len(peers) == 0 {
		delete(h.rooms, p.room)
	}
	h.mu.Unlock()

	p.close()
	msg, _ := json.Marshal(Message{Type: TypePeerLeft})
	h.relay(p, msg)
	h.logger.Info("signaling: peer left", "room", p.room)
}

// relay queues msg to every peer of from's room except from. A peer whose
// buffer is full is dropped.
func (h *Hub) relay(from *peer, msg []byte) {
	h.mu.Lock()
	var slow []*peer
	for other := range h.rooms[from.room] {
		if other == from {
			continue
		}
		select {
		case other.send <- msg:
		default:
			slow = append(slow, other)
		}
	}
	h.mu.Unlock()
	for _, p := range slow {
		h.logger.Warn("signaling: dropping slow peer", "room", p.room)
		p.conn.Close()
	}
}

func (h *Hub) readPump(p *peer) {
	defer func() {
		h.leave(p)
		p.conn.Close()
	}()
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("signaling: read failed", "room", p.room, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage || !json.Valid(msg) {
			h.logger.Debug("signaling: dropped non-JSON message", "room", p.room)
			continue
		}
		h.relay(p, msg)
	}
}

func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Peers returns the number of peers in room.
func (h *Hub) Peers(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
