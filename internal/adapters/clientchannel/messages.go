package clientchannel

// inboundEnvelope is the flat wire shape for every client-to-engine
// message: one JSON object carrying a type discriminator plus whichever
// action-specific fields that type uses. Unused fields are simply absent.
type inboundEnvelope struct {
	Type          string   `json:"type"`
	CorrelationID string   `json:"correlationId"`

	// SUBSCRIBE / UNSUBSCRIBE
	Symbols []string `json:"symbols"`

	// PLACE_ORDER
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      string  `json:"quantity"`
	OrderType     string  `json:"orderType"`
	LimitPrice    *string `json:"limitPrice"`
	Leverage      int     `json:"leverage"`
	TakeProfit    *string `json:"takeProfit"`
	StopLoss      *string `json:"stopLoss"`
	ClientOrderID string  `json:"clientOrderId"`
	ExpiresAtMs   *int64  `json:"expiresAt"`
	TimestampMs   int64   `json:"timestamp"`

	// CLOSE_POSITION / MODIFY_TPSL
	PositionID        string  `json:"positionId"`
	Reason            string  `json:"reason"`
	ExplicitExitPrice *string `json:"explicitExitPrice"`
	CloseQty          *string `json:"closeQty"`
}

type errorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}
