// Command engine runs the simulated leveraged perpetual-futures trading
// engine: upstream price ingestion, the order/position/risk pipelines, and
// the client-facing websocket channel, all wired to one SQLite-backed
// process.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpengine/config"
	"github.com/alejandrodnm/perpengine/internal/adapters/binance"
	"github.com/alejandrodnm/perpengine/internal/adapters/cache"
	"github.com/alejandrodnm/perpengine/internal/adapters/clientchannel"
	"github.com/alejandrodnm/perpengine/internal/adapters/storage"
	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/account"
	"github.com/alejandrodnm/perpengine/internal/engine/orders"
	"github.com/alejandrodnm/perpengine/internal/engine/pending"
	"github.com/alejandrodnm/perpengine/internal/engine/position"
	"github.com/alejandrodnm/perpengine/internal/engine/price"
	"github.com/alejandrodnm/perpengine/internal/engine/risk"
	"github.com/alejandrodnm/perpengine/internal/engine/trigger"
	"github.com/alejandrodnm/perpengine/internal/engine/workers"
	"github.com/alejandrodnm/perpengine/internal/ports"
	"github.com/alejandrodnm/perpengine/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address for the client websocket channel")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	status := flag.Bool("status", false, "print a snapshot of accounts and open positions, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)
	log := slog.Default()

	log.Info("perpengine starting",
		"config", *configPath,
		"listen", *listenAddr,
		"symbols", len(cfg.Symbols),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		log.Error("failed to open storage", "error", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.ApplySchema(ctx); err != nil {
		log.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	memCache := cache.New()

	accounts := account.New(store, log, cfg.Engine.AccountFlushInterval())
	if err := accounts.Load(ctx); err != nil {
		log.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}

	openPositions, err := store.LoadOpenPositions(ctx)
	if err != nil {
		log.Error("failed to load open positions", "error", err)
		os.Exit(1)
	}
	positions := position.New()
	positions.Load(openPositions)

	if *status {
		printStatus(os.Stdout, accounts.All(), openPositions)
		return
	}

	prices := price.New(price.Config{
		DefaultSpreadBps:           cfg.Engine.DefaultSpreadBps,
		CircuitBreakerThresholdPct: cfg.Engine.CircuitBreakerThresholdPct,
		CircuitBreakerResetMs:      cfg.Engine.CircuitBreakerResetMs,
		PriceStaleThresholdMs:      cfg.Engine.PriceStaleThresholdMs,
	})

	limiter := ratelimit.New(memCache, log, ratelimit.Config{})

	symCfgs := make([]domain.SymbolConfig, len(cfg.Symbols))
	symbolNames := make([]string, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		symCfgs[i] = s.ToDomain()
		symbolNames[i] = s.Symbol
	}
	symbols := orders.NewSymbolRegistry(symCfgs)

	// The hub, the order executor and the trigger engine form a
	// construction cycle: the executor needs a broadcaster and the trigger
	// engine needs a notifier before either exists, but both only resolve
	// to the hub, whose own dispatcher needs the executor. hubRef lets the
	// executor/trigger engine close over the hub pointer rather than the
	// hub itself, so the cycle can be built in any order and each forward
	// reference is live by the time it is first called.
	var hubRef *clientchannel.Hub
	var executor *orders.Executor

	triggers := trigger.New(
		func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
			return executor.Close(ctx, req)
		},
		notifyFunc(func(accountID string, msg ports.OutboundMessage) {
			if hubRef != nil {
				hubRef.Notify(accountID, msg)
			}
		}),
		log,
	)

	pendingBook := pending.New(
		func(ctx context.Context, order domain.PendingLimitOrder, fillPrice domain.Money) domain.OrderResult {
			return executor.FillPending(ctx, order, fillPrice)
		},
		func(ctx context.Context, order domain.PendingLimitOrder) {
			executor.ExpirePending(ctx, order)
		},
		log,
	)
	pendingOrders, err := store.LoadPendingOrders(ctx)
	if err != nil {
		log.Error("failed to load pending orders", "error", err)
		os.Exit(1)
	}
	pendingBook.Load(pendingOrders)

	retryQueue := workers.NewRetry(log, cfg.Engine.RetryQueueCapacity)

	executor = orders.New(
		accounts, prices, positions, pendingBook, triggers, limiter, store,
		hubBroadcaster{&hubRef}, retryQueue, symbols,
		orders.Config{
			MaintenanceMarginPct: cfg.Engine.MaintenanceMarginPct,
			EntryFeePct:          cfg.Engine.EntryFeePct,
			ExitFeePct:           cfg.Engine.ExitFeePct,
		},
		log,
	)

	prices.Subscribe(triggers)
	prices.Subscribe(pendingBook)
	prices.Subscribe(positionSubscriber{positions})

	dispatcher := clientchannel.NewDispatcher(executor, positions, triggers, limiter, store, log)
	hub := clientchannel.NewHub(dispatcher, cfg.Engine.SessionDuration(), log)
	hubRef = hub

	riskChecker := risk.New(accounts, positions, executor, hub, log)

	dailyReset := workers.NewDailyReset(accounts, store, log)
	funding := workers.NewFunding(accounts, positions, store, symbols, log)
	stats := workers.NewStats(positions, prices, limiter, memCache, symbolNames, log)

	go accounts.RunFlusher(ctx)
	go retryQueue.Run(ctx)
	go dailyReset.Run(ctx)
	go funding.Run(ctx)
	go stats.Run(ctx)
	go runRiskLoop(ctx, riskChecker)
	go runPendingExpirySweep(ctx, pendingBook)

	bookTicker := binance.NewBookTickerFeed(cfg.Upstream.BookTickerURL, symbolNames, log)
	go func() {
		err := bookTicker.Start(ctx, func(t ports.BookTicker) {
			bid, bidErr := decimal.NewFromString(t.Bid)
			ask, askErr := decimal.NewFromString(t.Ask)
			if bidErr != nil || askErr != nil {
				log.Warn("dropping unparseable book ticker", "symbol", t.Symbol, "bid", t.Bid, "ask", t.Ask)
				return
			}
			prices.UpdatePrice(t.Symbol, bid, ask)
		})
		if err != nil && ctx.Err() == nil {
			log.Error("book ticker feed stopped", "error", err)
		}
	}()

	if cfg.Upstream.DepthURL != "" {
		depthFeed := binance.NewDepthFeed(cfg.Upstream.DepthURL, symbolNames, log)
		go func() {
			err := depthFeed.Start(ctx, func(snap ports.DepthSnapshot) {
				hub.ToSymbolSubscribers(snap.Symbol, ports.OutboundMessage{Type: ports.OutDepthSnapshot, Payload: snap})
			})
			if err != nil && ctx.Err() == nil {
				log.Error("depth feed stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := authenticate(r, accounts)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		hub.HandleWebSocket(w, r, accountID)
	})

	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Info("websocket channel listening", "addr", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown did not complete cleanly", "error", err)
	}

	log.Info("perpengine stopped cleanly")
}

// authenticate resolves the account a websocket upgrade is authenticating
// as. No token/credential scheme exists anywhere in the account model
// beyond the account id itself, so the bearer token the client presents is
// the account id it claims, checked for existence against the account
// manager — the same posture as an API key that happens to equal the
// resource it authorizes.
func authenticate(r *http.Request, accounts *account.Manager) (string, bool) {
	accountID := r.Header.Get("Authorization")
	if after, ok := trimBearer(accountID); ok {
		accountID = after
	}
	if accountID == "" {
		accountID = r.URL.Query().Get("account_id")
	}
	if accountID == "" {
		return "", false
	}
	if _, ok := accounts.Snapshot(accountID); !ok {
		return "", false
	}
	return accountID, true
}

func trimBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):], true
	}
	return "", false
}

// positionSubscriber adapts position.Manager to price.Subscriber: the
// manager's own update method is named for what it does to a position,
// not for the fact that it is driven by a tick.
type positionSubscriber struct {
	positions *position.Manager
}

func (s positionSubscriber) OnPriceTick(tick domain.PriceTick) {
	s.positions.UpdatePriceForSymbol(tick)
}

// hubBroadcaster defers to the hub once main has finished constructing it,
// so the executor can be built before the hub exists.
type hubBroadcaster struct {
	hub **clientchannel.Hub
}

func (b hubBroadcaster) ToAccount(accountID string, msg ports.OutboundMessage) {
	if *b.hub != nil {
		(*b.hub).ToAccount(accountID, msg)
	}
}

func (b hubBroadcaster) ToSymbolSubscribers(symbol string, msg ports.OutboundMessage) {
	if *b.hub != nil {
		(*b.hub).ToSymbolSubscribers(symbol, msg)
	}
}

// notifyFunc adapts a plain function to ports.Notifier.
type notifyFunc func(accountID string, msg ports.OutboundMessage)

func (f notifyFunc) Notify(accountID string, msg ports.OutboundMessage) {
	f(accountID, msg)
}

// runRiskLoop wraps the risk checker's single-pass RunOnce in its own
// ticker, since unlike the workers package's components it has no
// self-looping Run.
func runRiskLoop(ctx context.Context, checker *risk.Checker) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checker.RunOnce(ctx)
		}
	}
}

// runPendingExpirySweep periodically sweeps the resting-order book for
// expired limit orders; crossing fills are already driven by price ticks
// via OnPriceTick.
func runPendingExpirySweep(ctx context.Context, book *pending.Book) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			book.SweepExpired(ctx, now)
		}
	}
}

// printStatus renders a one-shot table of every loaded account and its
// open positions, for operators checking engine state without a client
// channel connection.
func printStatus(w io.Writer, accounts []domain.Account, positions []domain.Position) {
	fmt.Fprintf(w, "=== accounts (%d) ===\n", len(accounts))
	accountTable := tablewriter.NewWriter(w)
	accountTable.Header("ID", "Status", "Balance", "Available", "Used", "Trades")
	for _, a := range accounts {
		accountTable.Append(
			a.ID,
			string(a.Status),
			a.CurrentBalance.StringFixed(2),
			a.AvailableMargin.StringFixed(2),
			a.MarginUsed.StringFixed(2),
			fmt.Sprintf("%d", a.TotalTrades),
		)
	}
	accountTable.Render()

	fmt.Fprintf(w, "\n=== open positions (%d) ===\n", len(positions))
	positionTable := tablewriter.NewWriter(w)
	positionTable.Header("ID", "Account", "Symbol", "Side", "Qty", "Entry", "Liq")
	for _, p := range positions {
		positionTable.Append(
			p.ID,
			p.AccountID,
			p.Symbol,
			string(p.Side),
			p.Quantity.String(),
			p.EntryPrice.StringFixed(2),
			p.LiquidationPrice.StringFixed(2),
		)
	}
	positionTable.Render()
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
