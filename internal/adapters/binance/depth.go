package binance

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/perpengine/internal/ports"
)

type depthMsg struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
	} `json:"data"`
}

// DepthFeed streams depth-10 order-book snapshots for display only; it
// never participates in fill pricing. Structurally identical to
// BookTickerFeed.
type DepthFeed struct {
	url     string
	symbols []string
	log     *slog.Logger
	dialer  *websocket.Dialer
}

// NewDepthFeed constructs a depth feed that dials url exactly as given, so
// url must already name the streams to subscribe to. symbols is stored on
// the feed but is not used to build the URL.
func NewDepthFeed(url string, symbols []string, log *slog.Logger) *DepthFeed {
	return &DepthFeed{url: url, symbols: symbols, log: log, dialer: websocket.DefaultDialer}
}

// Start begins streaming depth snapshots; blocks until ctx is cancelled,
// reconnecting with the same backoff policy as BookTickerFeed.
func (f *DepthFeed) Start(ctx context.Context, onSnapshot func(ports.DepthSnapshot)) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			attempt++
			f.log.Warn("depth feed dial failed", "attempt", attempt, "error", err)
			if attempt >= maxBackoffTry {
				f.log.Warn("depth feed entering cooldown", "attempts", attempt)
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
		f.log.Info("depth feed connected")
		f.run(ctx, conn, onSnapshot)
		conn.Close()
	}
}

func (f *DepthFeed) run(ctx context.Context, conn *websocket.Conn, onSnapshot func(ports.DepthSnapshot)) {
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
			f.log.Warn("depth feed read failed, reconnecting", "error", err)
			return
		}

		var msg depthMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Data.Symbol == "" || len(msg.Data.Bids) == 0 || len(msg.Data.Asks) == 0 {
			continue
		}

		snap := ports.DepthSnapshot{Symbol: msg.Data.Symbol}
		for _, lvl := range msg.Data.Bids {
			if len(lvl) < 2 {
				continue
			}
			snap.Bids = append(snap.Bids, ports.DepthLevel{Price: lvl[0], Qty: lvl[1]})
		}
		for _, lvl := range msg.Data.Asks {
			if len(lvl) < 2 {
				continue
			}
			snap.Asks = append(snap.Asks, ports.DepthLevel{Price: lvl[0], Qty: lvl[1]})
		}
		onSnapshot(snap)
	}
}

func (f *DepthFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
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
