package events

// Event enumerates topics inside the daemon.
type Event string

const (
	// EventTradeCompleted carries a position.CompletedTrade.
	EventTradeCompleted Event = "trade.completed"
	// EventSignal carries a position.Signal for BUY/SELL/CLOSE_* only.
	EventSignal Event = "strategy.signal"
	// EventFeedFailed carries a FeedFailure.
	EventFeedFailed Event = "feed.failed"
	// EventFeedRecovered carries the timeframe string.
	EventFeedRecovered Event = "feed.recovered"
	// EventStateChanged carries a StateChange after control actions.
	EventStateChanged Event = "state.changed"
)

// FeedFailure reports a hub that exhausted its reconnect attempts.
type FeedFailure struct {
	Timeframe string
	Attempts  int
	Err       error
}

// StateChange describes a control action that should trigger an immediate push.
type StateChange struct {
	Action    string
	Name      string
	Timeframe string
	UserEmail string
}
