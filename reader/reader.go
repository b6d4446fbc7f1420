// Package reader defines the contract between exchange connectors and the
// supervisor that drives their reconnect lifecycle. Each exchange lives in
// its own subpackage and implements Connector; a Dial produces one
// non-restartable Session that streams raw ticker payloads onto the
// pipeline's raw channel until it is closed or fails.
package reader

import (
	"context"
	"time"

	"tickerflow/models"
)

// Session is one live connection (websocket) or polling loop (REST) to an
// exchange. Stream blocks until the context is cancelled (returns nil) or
// the session fails (returns the error). A session cannot be restarted;
// the supervisor dials a fresh one.
type Session interface {
	Stream(ctx context.Context) error

	// LastMessageAt reports when the session last emitted a decoded
	// ticker payload. Used for staleness detection.
	LastMessageAt() time.Time

	Close() error
}

// Connector creates sessions for a single exchange.
type Connector interface {
	Exchange() models.Exchange

	// Dial performs the connection handshake and subscription. For REST
	// connectors it issues a probe request so subscription failures
	// surface here rather than inside Stream.
	Dial(ctx context.Context) (Session, error)

	// Resubscribe replaces the connector's symbol list. An active
	// session is closed so the supervisor reconnects with the new list;
	// symbol lists are otherwise immutable after startup.
	Resubscribe(symbols []string) error
}
