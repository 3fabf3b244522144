package ports

// OutboundType enumerates every message the client channel can push to a
// session.
type OutboundType string

const (
	OutPriceTick           OutboundType = "PRICE_TICK"
	OutOrderFilled         OutboundType = "ORDER_FILLED"
	OutOrderRejected       OutboundType = "ORDER_REJECTED"
	OutPositionOpened      OutboundType = "POSITION_OPENED"
	OutPositionClosed      OutboundType = "POSITION_CLOSED"
	OutPositionPartial     OutboundType = "POSITION_PARTIALLY_CLOSED"
	OutPositionUpdated     OutboundType = "POSITION_UPDATED"
	OutAccountUpdated      OutboundType = "ACCOUNT_UPDATED"
	OutLiquidationWarning  OutboundType = "LIQUIDATION_WARNING"
	OutDepthSnapshot       OutboundType = "DEPTH_SNAPSHOT"
	OutError               OutboundType = "ERROR"
)

// OutboundMessage is one envelope pushed to a client session.
type OutboundMessage struct {
	Type          OutboundType
	CorrelationID string
	Payload       any
}

// Broadcaster fans outbound messages out to client sessions. The order
// executor, close executor and risk checker publish through this seam;
// none of them know about websockets.
type Broadcaster interface {
	// ToAccount sends msg to every session authenticated as accountID.
	ToAccount(accountID string, msg OutboundMessage)
	// ToSymbolSubscribers sends msg to every session subscribed to symbol.
	ToSymbolSubscribers(symbol string, msg OutboundMessage)
}

// Notifier is the minimal one-shot channel the trigger engine uses to tell
// a single account about something that happened out of request/response
// flow (liquidation warnings).
type Notifier interface {
	Notify(accountID string, msg OutboundMessage)
}
