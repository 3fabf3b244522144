// Package clientchannel implements the bidirectional client websocket
// session hub: authenticated sessions subscribe to symbols, place/close/
// modify orders, and receive price, fill, position and account push
// messages. It is the sole concrete ports.Broadcaster.
package clientchannel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 15 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

// Session is one authenticated client connection.
type Session struct {
	conn      *websocket.Conn
	accountID string
	send      chan []byte

	mu      sync.Mutex
	symbols map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *websocket.Conn, accountID string) *Session {
	return &Session{
		conn:      conn,
		accountID: accountID,
		send:      make(chan []byte, sendBuffer),
		symbols:   make(map[string]bool),
		closed:    make(chan struct{}),
	}
}

func (s *Session) subscribe(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.symbols[sym] = true
	}
}

func (s *Session) unsubscribe(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.symbols, sym)
	}
}

func (s *Session) isSubscribed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbols[symbol]
}

// push enqueues an already-marshaled frame. A session whose send buffer is
// full is disconnected rather than allowed to apply backpressure to the
// engine — the same trade-off the in-memory pub/sub makes.
func (s *Session) push(frame []byte) {
	select {
	case s.send <- frame:
	default:
		s.terminate()
	}
}

func (s *Session) terminate() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-s.closed:
			s.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
			return
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func encodeFrame(msgType string, correlationID string, payload any) []byte {
	frame := struct {
		Type          string `json:"type"`
		CorrelationID string `json:"correlationId,omitempty"`
		Payload       any    `json:"payload"`
	}{Type: msgType, CorrelationID: correlationID, Payload: payload}

	b, err := json.Marshal(frame)
	if err != nil {
		return []byte(`{"type":"ERROR","payload":{"reason":"INTERNAL"}}`)
	}
	return b
}
