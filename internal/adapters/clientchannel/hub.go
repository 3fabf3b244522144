package clientchannel

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/perpengine/internal/ports"
)

// Hub tracks every live session, indexed both by account and by symbol
// subscription, and is the engine's sole ports.Broadcaster implementation.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger
	sessionDuration time.Duration

	mu        sync.RWMutex
	byAccount map[string]map[*Session]bool
	bySymbol  map[string]map[*Session]bool

	dispatch *Dispatcher
}

// NewHub constructs a hub that accepts any origin, since auth is handled
// by the bearer token validated before the upgrade, not by same-origin
// policy.
func NewHub(dispatch *Dispatcher, sessionDuration time.Duration, log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:             log,
		sessionDuration: sessionDuration,
		byAccount:       make(map[string]map[*Session]bool),
		bySymbol:        make(map[string]map[*Session]bool),
		dispatch:        dispatch,
	}
}

// HandleWebSocket upgrades the connection and runs its session to
// completion. accountID has already been established out-of-band (bearer
// token validated on open, per the external interface contract) by
// whatever HTTP middleware calls this handler.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, accountID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(conn, accountID)
	h.register(sess)
	defer h.unregister(sess)

	go sess.writePump()

	var deadline <-chan time.Time
	if h.sessionDuration > 0 {
		timer := time.NewTimer(h.sessionDuration)
		defer timer.Stop()
		deadline = timer.C
	}
	go func() {
		select {
		case <-deadline:
			sess.terminate()
		case <-sess.closed:
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch.Handle(h, sess, message)
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byAccount[s.accountID] == nil {
		h.byAccount[s.accountID] = make(map[*Session]bool)
	}
	h.byAccount[s.accountID][s] = true
}

func (h *Hub) unregister(s *Session) {
	s.terminate()

	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.byAccount[s.accountID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.byAccount, s.accountID)
		}
	}
	for symbol, sessions := range h.bySymbol {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.bySymbol, symbol)
		}
	}
}

func (h *Hub) trackSubscription(s *Session, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sym := range symbols {
		if h.bySymbol[sym] == nil {
			h.bySymbol[sym] = make(map[*Session]bool)
		}
		h.bySymbol[sym][s] = true
	}
}

func (h *Hub) untrackSubscription(s *Session, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sym := range symbols {
		if sessions, ok := h.bySymbol[sym]; ok {
			delete(sessions, s)
		}
	}
}

// ToAccount sends msg to every session authenticated as accountID.
func (h *Hub) ToAccount(accountID string, msg ports.OutboundMessage) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.byAccount[accountID]))
	for s := range h.byAccount[accountID] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	frame := encodeFrame(string(msg.Type), msg.CorrelationID, msg.Payload)
	for _, s := range sessions {
		s.push(frame)
	}
}

// ToSymbolSubscribers sends msg to every session subscribed to symbol.
func (h *Hub) ToSymbolSubscribers(symbol string, msg ports.OutboundMessage) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.bySymbol[symbol]))
	for s := range h.bySymbol[symbol] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	frame := encodeFrame(string(msg.Type), msg.CorrelationID, msg.Payload)
	for _, s := range sessions {
		s.push(frame)
	}
}

// Notify implements ports.Notifier for the trigger engine's liquidation
// warnings: a single one-shot push to one account, identical to ToAccount.
// Kept as a separate method rather than having the trigger engine depend on
// Broadcaster directly, since notifying a single account has no business
// fanning out to symbol subscribers.
func (h *Hub) Notify(accountID string, msg ports.OutboundMessage) {
	h.ToAccount(accountID, msg)
}

// SessionCount reports the number of sessions currently attributed to
// accountID — used by tests and admin tooling, not the hot path.
func (h *Hub) SessionCount(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byAccount[accountID])
}
