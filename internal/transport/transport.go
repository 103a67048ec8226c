// Package transport defines how request envelopes reach the engine and how
// response envelopes come back.
package transport

import (
	"context"
	"errors"

	"go-pdf-bridge/internal/contracts"
)

// ErrUnavailable is returned by Send on a transport whose engine side could
// not be constructed or reached. Such a transport never delivers a message.
var ErrUnavailable = errors.New("transport unavailable")

// Handler receives every inbound response envelope.
type Handler func(contracts.Response)

// Transport carries envelopes across the isolation boundary. Exactly one
// implementation is active per session, chosen when the session is built.
type Transport interface {
	// Send hands req to the engine side and returns without waiting for
	// the response.
	Send(ctx context.Context, req contracts.Request) error
	// OnMessage installs the inbound handler. It must be called before the
	// first Send.
	OnMessage(h Handler)
	// Fault reports the construction failure, if any.
	Fault() error
	Close() error
}
