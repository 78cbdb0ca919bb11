// Package relay fans document events out to every connected transport. The
// in-process Broker serves single-instance deployments; Redis serves
// multi-instance ones. Transports and sessions depend only on the Relay
// interface, so the two are interchangeable.
package relay

import "context"

const (
	// EventUpdate carries an encoded document delta.
	EventUpdate = "update"
	// EventPresence carries an encoded presence change.
	EventPresence = "presence"

	documentChannelPrefix = "document-"
)

// Event is one message on a document channel. ClientID names the editing
// session that produced it so consumers can skip their own echoes.
type Event struct {
	Name     string `json:"name"`
	ClientID string `json:"client_id"`
	Payload  []byte `json:"payload"`
}

// Handler consumes events for one subscription. Handlers for a single
// subscription run sequentially in publish order.
type Handler func(Event)

// Relay delivers every published event to every active subscriber of the
// same channel, including the publisher's own subscription.
type Relay interface {
	Publish(ctx context.Context, channel string, event Event) error
	Subscribe(ctx context.Context, channel string, handler Handler) (func(), error)
}

// DocumentChannel names the relay channel for one document.
func DocumentChannel(documentID string) string {
	return documentChannelPrefix + documentID
}
