package ports

import "context"

// BookTicker is one upstream best-bid/best-ask update.
type BookTicker struct {
	Symbol string
	Bid    string
	Ask    string
}

// PriceFeed maintains a resilient subscription to an upstream book-ticker
// stream and pushes updates to the handler supplied at Start.
type PriceFeed interface {
	// Start begins streaming; each update is handed to onTick. Start blocks
	// until ctx is cancelled, reconnecting with backoff on failure.
	Start(ctx context.Context, onTick func(BookTicker)) error
}

// DepthLevel is one side of a depth-10 order-book snapshot.
type DepthLevel struct {
	Price string
	Qty   string
}

// DepthSnapshot is a depth-10 book snapshot for display only; it never
// participates in fill pricing.
type DepthSnapshot struct {
	Symbol string
	Bids   []DepthLevel
	Asks   []DepthLevel
}

// OrderBookFeed streams depth snapshots, structurally identical to
// PriceFeed but carrying book depth instead of a single top-of-book quote.
type OrderBookFeed interface {
	Start(ctx context.Context, onSnapshot func(DepthSnapshot)) error
}
