package engine

import (
	"github.com/atmx/outcome-engine/internal/model"
	"github.com/atmx/outcome-engine/internal/settlement"
)

// EventType names a market event delivered to a Publisher.
type EventType string

const (
	EventMarketCreated  EventType = "market_created"
	EventTradeExecuted  EventType = "trade_executed"
	EventMarketExpired  EventType = "market_expired"
	EventMarketResolved EventType = "market_resolved"
)

// Event is a committed change to one market. Market is the state after the
// change; Receipt is set for trades and Settlement for resolutions.
type Event struct {
	Type       EventType
	Market     model.Market
	Receipt    *model.TradeReceipt
	Settlement *settlement.Summary
}

// Publisher receives events after they are committed. Publish is called
// while the market's lock is held and must not block.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
