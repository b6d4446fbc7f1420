// Package facade is the read-side entry point. It exposes consistent
// views over the tick store together with per-exchange health and
// ingestion statistics.
package facade

import (
	"sync"
	"time"

	"tickerflow/internal/metrics"
	"tickerflow/models"
	"tickerflow/store"
)

// StateReporter reports the connection state of one exchange connector.
// The supervisor satisfies this.
type StateReporter interface {
	Exchange() models.Exchange
	State() models.ConnectionState
}

// ExchangeStats is the health summary for one exchange.
type ExchangeStats struct {
	Exchange          models.Exchange        `json:"exchange"`
	State             models.ConnectionState `json:"state"`
	MessagesReceived  int64                  `json:"messages_received"`
	MalformedTicks    int64                  `json:"malformed_ticks"`
	OutOfOrderDropped int64                  `json:"out_of_order_dropped"`
	Reconnects        int64                  `json:"reconnects"`
	LastTickAt        time.Time              `json:"last_tick_at"`
	TrackedSymbols    int                    `json:"tracked_symbols"`
}

// IngestionStats aggregates the per-exchange summaries.
type IngestionStats struct {
	Exchanges   []ExchangeStats `json:"exchanges"`
	GeneratedAt time.Time       `json:"generated_at"`
}

type Facade struct {
	store    *store.Store
	registry *metrics.Registry

	mu        sync.RWMutex
	reporters map[models.Exchange]StateReporter
}

func New(st *store.Store, reg *metrics.Registry) *Facade {
	return &Facade{
		store:     st,
		registry:  reg,
		reporters: make(map[models.Exchange]StateReporter),
	}
}

// Register attaches the state reporter for one exchange. Exchanges
// without a reporter are omitted from GetStats.
func (f *Facade) Register(r StateReporter) {
	f.mu.Lock()
	f.reporters[r.Exchange()] = r
	f.mu.Unlock()
}

// GetAll returns the latest tick of every tracked pair, sorted by
// symbol then exchange.
func (f *Facade) GetAll() []models.Tick {
	return f.store.Snapshot()
}

// GetBySymbol returns the latest tick per exchange for one canonical
// symbol.
func (f *Facade) GetBySymbol(symbol string) []models.Tick {
	var out []models.Tick
	for _, tick := range f.store.Snapshot() {
		if tick.Symbol == symbol {
			out = append(out, tick)
		}
	}
	return out
}

// GetLatest returns the latest tick for one (exchange, symbol) pair.
func (f *Facade) GetLatest(key models.Key) (models.Tick, bool) {
	return f.store.Latest(key)
}

// GetHistory returns up to limit recent ticks for one pair, oldest
// first.
func (f *Facade) GetHistory(key models.Key, limit int) []models.Tick {
	return f.store.History(key, limit)
}

// GetStats summarizes connection state, counters and tracked symbol
// counts for every registered exchange.
func (f *Facade) GetStats() IngestionStats {
	tracked := make(map[models.Exchange]int)
	for _, tick := range f.store.Snapshot() {
		tracked[tick.Exchange]++
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := IngestionStats{GeneratedAt: time.Now()}
	for _, ex := range models.Exchanges {
		r, ok := f.reporters[ex]
		if !ok {
			continue
		}
		snap := f.registry.Exchange(ex).Snapshot()
		stats.Exchanges = append(stats.Exchanges, ExchangeStats{
			Exchange:          ex,
			State:             r.State(),
			MessagesReceived:  snap.MessagesReceived,
			MalformedTicks:    snap.MalformedTicks,
			OutOfOrderDropped: snap.OutOfOrderDropped,
			Reconnects:        snap.Reconnects,
			LastTickAt:        snap.LastTickAt,
			TrackedSymbols:    tracked[ex],
		})
	}
	return stats
}
