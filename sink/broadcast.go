package sink

import (
	"context"
	"sync"

	"tickerflow/logger"
	"tickerflow/models"
)

// BroadcastSink fans batches out to in-process subscribers. Each
// subscriber gets its own bounded channel; when a subscriber falls
// behind, its oldest queued batch is dropped so delivery to the others
// is never held up.
type BroadcastSink struct {
	buffer int
	log    *logger.Entry

	mu   sync.Mutex
	subs map[int]chan models.TickBatch
	next int
}

func NewBroadcastSink(subscriberBuffer int) *BroadcastSink {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 16
	}
	return &BroadcastSink{
		buffer: subscriberBuffer,
		log:    logger.GetLogger().WithComponent("broadcast_sink"),
		subs:   make(map[int]chan models.TickBatch),
	}
}

func (b *BroadcastSink) Name() string { return "broadcast" }

// Subscribe registers a new consumer. The returned cancel function
// removes the subscription and closes its channel.
func (b *BroadcastSink) Subscribe() (<-chan models.TickBatch, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan models.TickBatch, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *BroadcastSink) Send(ctx context.Context, batch models.TickBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub <- batch:
		default:
			// Drop the oldest queued batch to make room.
			select {
			case <-sub:
				b.log.WithFields(logger.Fields{"subscriber": id}).Warn("subscriber lagging, dropped oldest batch")
			default:
			}
			select {
			case sub <- batch:
			default:
			}
		}
	}
	return nil
}

// Subscribers reports the number of active subscriptions.
func (b *BroadcastSink) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
