package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alejandrodnm/perpengine/internal/engine/position"
	"github.com/alejandrodnm/perpengine/internal/engine/price"
	"github.com/alejandrodnm/perpengine/internal/ports"
	"github.com/alejandrodnm/perpengine/internal/ratelimit"
)

// statsSnapshot is the engine-wide counter set pushed to the cache for
// external dashboards. It never gates the hot path — a failed push is
// logged and dropped.
type statsSnapshot struct {
	OpenPositions       int       `json:"open_positions"`
	TrippedSymbols      int       `json:"tripped_symbols"`
	RateLimiterDegraded bool      `json:"rate_limiter_degraded"`
	FlushedAt           time.Time `json:"flushed_at"`
}

// Stats periodically snapshots engine-wide counters into the cache.
type Stats struct {
	positions *position.Manager
	prices    *price.Engine
	limiter   *ratelimit.Limiter
	cache     ports.Cache
	log       *slog.Logger
	symbols   []string
	interval  time.Duration
}

// NewStats constructs the stats flusher for the given tracked symbol set.
func NewStats(positions *position.Manager, prices *price.Engine, limiter *ratelimit.Limiter, cache ports.Cache, symbols []string, log *slog.Logger) *Stats {
	return &Stats{
		positions: positions,
		prices:    prices,
		limiter:   limiter,
		cache:     cache,
		log:       log,
		symbols:   symbols,
		interval:  10 * time.Second,
	}
}

// Run flushes on a fixed interval until ctx is cancelled.
func (w *Stats) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Stats) flush(ctx context.Context) {
	tripped := 0
	for _, s := range w.symbols {
		if w.prices.IsTripped(s) {
			tripped++
		}
	}

	snap := statsSnapshot{
		OpenPositions:       w.positions.Count(),
		TrippedSymbols:      tripped,
		RateLimiterDegraded: w.limiter.Degraded(),
		FlushedAt:           time.Now(),
	}

	b, err := json.Marshal(snap)
	if err != nil {
		w.log.Error("stats marshal failed", "error", err)
		return
	}
	if err := w.cache.Set(ctx, "engine:stats", string(b), 0); err != nil {
		w.log.Warn("stats flush failed", "error", err)
	}
}
