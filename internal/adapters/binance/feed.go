// Package binance implements the upstream book-ticker and order-book depth
// feeds: resilient websocket subscriptions that reconnect with backoff and
// jitter, hand each parsed message to a callback, and never go down for
// good — a dropped connection is always retried.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/perpengine/internal/ports"
)

const (
	pingPeriod     = 15 * time.Second
	pongWait       = 30 * time.Second
	maxBackoffTry  = 10
	cooldownPeriod = 30 * time.Second
	baseBackoff    = 200 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// backoffFor returns the delay before reconnect attempt n (1-indexed),
// exponential with full jitter, capped at maxBackoff.
func backoffFor(attempt int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff {
		d = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

type bookTickerMsg struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Bid    string `json:"b"`
		Ask    string `json:"a"`
	} `json:"data"`
}

// BookTickerFeed streams best-bid/best-ask updates for a fixed symbol set.
type BookTickerFeed struct {
	url     string
	symbols []string
	log     *slog.Logger
	dialer  *websocket.Dialer
}

// NewBookTickerFeed constructs a feed that dials url exactly as given, so
// url must already name the streams to subscribe to. symbols is stored on
// the feed but is not used to build the URL.
func NewBookTickerFeed(url string, symbols []string, log *slog.Logger) *BookTickerFeed {
	return &BookTickerFeed{url: url, symbols: symbols, log: log, dialer: websocket.DefaultDialer}
}

// Start begins streaming; blocks until ctx is cancelled, reconnecting
// forever with capped exponential backoff and a cooldown after
// maxBackoffTry consecutive failures. The initial connection failing is
// non-fatal: callers run in a degraded "no quotes" mode until it succeeds.
func (f *BookTickerFeed) Start(ctx context.Context, onTick func(ports.BookTicker)) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			attempt++
			f.log.Warn("book ticker feed dial failed", "attempt", attempt, "error", err)
			if attempt >= maxBackoffTry {
				f.log.Warn("book ticker feed entering cooldown", "attempts", attempt)
				if !sleepCtx(ctx, cooldownPeriod) {
					return ctx.Err()
				}
				attempt = 0
				continue
			}
			if !sleepCtx(ctx, backoffFor(attempt)) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		f.log.Info("book ticker feed connected")
		f.run(ctx, conn, onTick)
		conn.Close()
	}
}

func (f *BookTickerFeed) run(ctx context.Context, conn *websocket.Conn, onTick func(ports.BookTicker)) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go f.pingLoop(ctx, conn, done)
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			f.log.Warn("book ticker feed read failed, reconnecting", "error", err)
			return
		}

		var msg bookTickerMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Data.Symbol == "" {
			continue
		}
		onTick(ports.BookTicker{
			Symbol: msg.Data.Symbol,
			Bid:    msg.Data.Bid,
			Ask:    msg.Data.Ask,
		})
	}
}

func (f *BookTickerFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// streamURL joins a base combined-stream endpoint with the given per-symbol
// stream suffix, e.g. "btcusdt@bookTicker".
func streamURL(base string, symbols []string, suffix string) string {
	url := base + "/stream?streams="
	for i, s := range symbols {
		if i > 0 {
			url += "/"
		}
		url += fmt.Sprintf("%s@%s", s, suffix)
	}
	return url
}
