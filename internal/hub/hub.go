// Package hub fans price updates out to websocket subscribers and hosts
// the "<mint>,<action>" control protocol.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/models"

	"github.com/gorilla/websocket"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	codeInvalidMint = "INVALID_TOKEN_MINT"

	// messageTimeout bounds the upstream work a single control message
	// may trigger (validation, initial update, enrolment).
	messageTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// frame is the wire envelope for every emitted event.
type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type connectedPayload struct {
	SocketID string `json:"socketId"`
	Message  string `json:"message"`
	Usage    string `json:"usage"`
}

type subscriptionPayload struct {
	Mint               string `json:"mint"`
	TotalSubscriptions int    `json:"totalSubscriptions"`
}

type subscriptionStatusPayload struct {
	Mint   string `json:"mint"`
	Status string `json:"status"`
}

type subscriptionErrorPayload struct {
	Mint    string `json:"mint"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Validator screens mints before they reach a room.
type Validator interface {
	Validate(ctx context.Context, mint string) (bool, string, error)
}

// Pricer supplies snapshots for new subscriptions.
type Pricer interface {
	UpdateMint(ctx context.Context, mint string) (*models.PriceSnapshot, error)
	CurrentOf(ctx context.Context, mint string) (*models.PriceSnapshot, error)
}

// Enroller keeps the repeating job alive for subscribed mints.
type Enroller interface {
	Enrol(ctx context.Context, mint string) error
}

// Feed is the cache pub/sub surface the hub listens on.
type Feed interface {
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
}

type Hub struct {
	validator Validator
	pricer    Pricer
	enroller  Enroller
	feed      Feed

	mu    sync.RWMutex
	conns map[*Conn]bool
	rooms map[string]map[*Conn]bool
}

func NewHub(validator Validator, pricer Pricer, enroller Enroller, feed Feed) *Hub {
	return &Hub{
		validator: validator,
		pricer:    pricer,
		enroller:  enroller,
		feed:      feed,
		conns:     make(map[*Conn]bool),
		rooms:     make(map[string]map[*Conn]bool),
	}
}

// Start attaches the hub to the price update channel. One subscription
// serves every room for the life of the process.
func (h *Hub) Start(ctx context.Context) error {
	return h.feed.Subscribe(ctx, cache.ChannelPriceUpdates, h.fanOut)
}

// HandleWS upgrades the request and runs the connection until the peer
// disconnects. A legacy ?token= query parameter acts as an immediate
// subscribe.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] websocket upgrade failed: %v", err)
		return
	}

	conn := newConn(sock)
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
	metrics.ConnectionOpened()
	log.Printf("[hub] client %s connected", conn.id)

	go conn.writeLoop()

	h.emit(conn, "connected", connectedPayload{
		SocketID: conn.id,
		Message:  "connected to tokenpulse price feed",
		Usage:    `send "<mint>,subscribe" or "<mint>,unsubscribe"`,
	})

	if mint := r.URL.Query().Get("token"); mint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
		h.subscribe(ctx, conn, mint)
		cancel()
	}

	conn.readLoop(h)
}

// handleMessage parses one "<mint>,<action>" control message. Malformed
// input answers with an error frame and never disturbs existing
// subscriptions.
func (h *Hub) handleMessage(conn *Conn, msg string) {
	parts := strings.SplitN(strings.TrimSpace(msg), ",", 2)
	if len(parts) != 2 {
		h.emit(conn, "error", errorPayload{Message: `expected "<mint>,<action>"`})
		return
	}
	mint := strings.TrimSpace(parts[0])
	action := strings.ToLower(strings.TrimSpace(parts[1]))
	if mint == "" {
		h.emit(conn, "error", errorPayload{Message: "mint must not be empty"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	switch action {
	case actionSubscribe:
		h.subscribe(ctx, conn, mint)
	case actionUnsubscribe:
		h.unsubscribe(conn, mint)
	default:
		h.emit(conn, "error", errorPayload{Message: "unknown action " + action})
	}
}

func (h *Hub) subscribe(ctx context.Context, conn *Conn, mint string) {
	valid, reason, err := h.validator.Validate(ctx, mint)
	if err != nil {
		log.Printf("[hub] validation of %s failed: %v", mint, err)
		h.emit(conn, "error", errorPayload{Message: "unable to validate " + mint + " right now"})
		return
	}
	if !valid {
		h.emit(conn, "subscription_error", subscriptionErrorPayload{
			Mint:    mint,
			Message: reason,
			Code:    codeInvalidMint,
		})
		return
	}

	if conn.subs[mint] {
		h.emit(conn, "subscription_status", subscriptionStatusPayload{
			Mint:   mint,
			Status: "already_subscribed",
		})
		return
	}

	conn.subs[mint] = true
	h.joinRoom(conn, mint)
	metrics.SubscriptionAdded()

	snap, err := h.pricer.CurrentOf(ctx, mint)
	if err != nil {
		log.Printf("[hub] failed to load snapshot for %s: %v", mint, err)
	}
	if snap == nil {
		snap, err = h.pricer.UpdateMint(ctx, mint)
		if models.IsInvalidMint(err) {
			delete(conn.subs, mint)
			h.leaveRoom(conn, mint)
			metrics.SubscriptionRemoved()
			h.emit(conn, "subscription_error", subscriptionErrorPayload{
				Mint:    mint,
				Message: err.Error(),
				Code:    codeInvalidMint,
			})
			return
		}
		if err != nil {
			// The repeating job will keep trying; the subscriber just
			// waits for the first successful update.
			log.Printf("[hub] initial update for %s failed: %v", mint, err)
			snap = nil
		}
	}

	// Always enrol: idempotent, and it heals mints whose rows exist but
	// whose job disappeared.
	if err := h.enroller.Enrol(ctx, mint); err != nil {
		log.Printf("[hub] failed to enrol %s: %v", mint, err)
	}

	if snap != nil {
		h.emit(conn, "price_update", snap)
	}
	h.emit(conn, "subscription_success", subscriptionPayload{
		Mint:               mint,
		TotalSubscriptions: len(conn.subs),
	})
}

// unsubscribe is idempotent: unsubscribing a mint that was never
// subscribed still answers success with the unchanged count.
func (h *Hub) unsubscribe(conn *Conn, mint string) {
	if conn.subs[mint] {
		delete(conn.subs, mint)
		h.leaveRoom(conn, mint)
		metrics.SubscriptionRemoved()
	}
	h.emit(conn, "unsubscription_success", subscriptionPayload{
		Mint:               mint,
		TotalSubscriptions: len(conn.subs),
	})
}

// fanOut delivers one published snapshot to its room. Clients that
// cannot drain their buffer are dropped rather than allowed to stall
// everyone else.
func (h *Hub) fanOut(payload []byte) {
	var snap struct {
		Mint string `json:"mint"`
	}
	if err := json.Unmarshal(payload, &snap); err != nil || snap.Mint == "" {
		log.Printf("[hub] dropping malformed price update: %v", err)
		return
	}

	data, err := json.Marshal(frame{Type: "price_update", Payload: json.RawMessage(payload)})
	if err != nil {
		log.Printf("[hub] failed to wrap price update for %s: %v", snap.Mint, err)
		return
	}

	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[snap.Mint]))
	for conn := range h.rooms[snap.Mint] {
		members = append(members, conn)
	}
	h.mu.RUnlock()

	for _, conn := range members {
		if !conn.enqueue(data) {
			log.Printf("[hub] dropping slow client %s", conn.id)
			conn.close()
		}
	}
	if len(members) > 0 {
		metrics.RecordBroadcast()
	}
}

// emit marshals and queues one frame for a single connection.
func (h *Hub) emit(conn *Conn, frameType string, payload any) {
	data, err := json.Marshal(frame{Type: frameType, Payload: payload})
	if err != nil {
		log.Printf("[hub] failed to marshal %s frame: %v", frameType, err)
		return
	}
	if !conn.enqueue(data) {
		log.Printf("[hub] dropping slow client %s", conn.id)
		conn.close()
	}
}

func (h *Hub) joinRoom(conn *Conn, mint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[mint]
	if room == nil {
		room = make(map[*Conn]bool)
		h.rooms[mint] = room
	}
	room[conn] = true
}

func (h *Hub) leaveRoom(conn *Conn, mint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[mint]; room != nil {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.rooms, mint)
		}
	}
}

// drop tears down a disconnected client: all rooms, the registry, the
// gauges.
func (h *Hub) drop(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		for mint := range conn.subs {
			if room := h.rooms[mint]; room != nil {
				delete(room, conn)
				if len(room) == 0 {
					delete(h.rooms, mint)
				}
			}
			metrics.SubscriptionRemoved()
		}
		metrics.ConnectionClosed()
	}
	h.mu.Unlock()

	conn.close()
	log.Printf("[hub] client %s disconnected", conn.id)
}

// RoomSize reports the member count of one mint's room.
func (h *Hub) RoomSize(mint string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[mint])
}

// ConnectionCount reports the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
