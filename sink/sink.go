// Package sink holds the batch delivery targets fed by the dispatcher.
// A slow or failing sink never blocks ingestion: the dispatcher queues
// batches per sink and drops the oldest on overflow.
package sink

import (
	"context"

	"tickerflow/models"
)

// Sink receives tick batches from the dispatcher. Send must be safe for
// concurrent use and should honor ctx cancellation for network calls.
type Sink interface {
	Name() string
	Send(ctx context.Context, batch models.TickBatch) error
}
