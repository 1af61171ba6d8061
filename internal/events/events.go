// Package events publishes committed trades and market session changes to
// downstream consumers. Publishing happens after the transaction commits
// and is best effort: a failed publish never undoes a trade.
package events

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	TypeTradeExecuted  = "trade_executed"
	TypePositionClosed = "position_closed"
	TypeMarketClosed   = "market_closed"
	TypeMarketReopened = "market_reopened"
)

// Event is one notification. Data is JSON-encoded by publishers.
type Event struct {
	Type        string    `json:"type"`
	CharacterID string    `json:"character_id,omitempty"`
	Data        any       `json:"data"`
	At          time.Time `json:"at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Fanout publishes to every member and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
