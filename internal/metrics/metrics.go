// Package metrics holds the typed ingestion counters exposed through the
// aggregation facade. One Counters value exists per exchange; all fields
// are updated with atomics so connectors, the normalizer and the store
// can report concurrently without sharing locks.
package metrics

import (
	"sync/atomic"
	"time"

	"tickerflow/models"
)

// Counters tracks per-exchange ingestion activity.
type Counters struct {
	messagesReceived  atomic.Int64
	malformedTicks    atomic.Int64
	outOfOrderDropped atomic.Int64
	reconnects        atomic.Int64
	lastTickUnixNano  atomic.Int64
}

func (c *Counters) IncMessagesReceived() { c.messagesReceived.Add(1) }
func (c *Counters) IncMalformedTicks()   { c.malformedTicks.Add(1) }
func (c *Counters) IncOutOfOrder()       { c.outOfOrderDropped.Add(1) }
func (c *Counters) IncReconnects()       { c.reconnects.Add(1) }

// MarkTick records the observation time of the most recent accepted tick.
func (c *Counters) MarkTick(at time.Time) {
	c.lastTickUnixNano.Store(at.UnixNano())
}

// Snapshot is a plain-value copy of the counters, safe to hand to
// external callers.
type Snapshot struct {
	MessagesReceived  int64
	MalformedTicks    int64
	OutOfOrderDropped int64
	Reconnects        int64
	LastTickAt        time.Time
}

func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		MessagesReceived:  c.messagesReceived.Load(),
		MalformedTicks:    c.malformedTicks.Load(),
		OutOfOrderDropped: c.outOfOrderDropped.Load(),
		Reconnects:        c.reconnects.Load(),
	}
	if ns := c.lastTickUnixNano.Load(); ns > 0 {
		s.LastTickAt = time.Unix(0, ns)
	}
	return s
}

// Registry owns the counters for every supported exchange. The set of
// exchanges is fixed at construction so lookups never mutate the map.
type Registry struct {
	counters map[models.Exchange]*Counters
}

func NewRegistry() *Registry {
	r := &Registry{counters: make(map[models.Exchange]*Counters, len(models.Exchanges))}
	for _, ex := range models.Exchanges {
		r.counters[ex] = &Counters{}
	}
	return r
}

// Exchange returns the counters for ex. Unknown exchanges share a
// throwaway value so callers never receive nil.
func (r *Registry) Exchange(ex models.Exchange) *Counters {
	if c, ok := r.counters[ex]; ok {
		return c
	}
	return &Counters{}
}
