// Package processor turns raw exchange payloads into canonical ticks.
// A pool of workers drains the raw channel, normalizes and validates
// each payload, upserts it into the store and forwards accepted ticks
// to the update channel for dispatch.
package processor

import (
	"context"
	"fmt"
	"sync"

	appconfig "tickerflow/config"
	"tickerflow/internal/channel"
	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/models"
	"tickerflow/store"
)

type Normalizer struct {
	config   *appconfig.Config
	channels *channel.Channels
	store    *store.Store
	registry *metrics.Registry
	log      *logger.Entry

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

func NewNormalizer(cfg *appconfig.Config, ch *channel.Channels, st *store.Store, reg *metrics.Registry) *Normalizer {
	return &Normalizer{
		config:   cfg,
		channels: ch,
		store:    st,
		registry: reg,
		log:      logger.GetLogger().WithComponent("normalizer"),
	}
}

func (n *Normalizer) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("normalizer already running")
	}
	n.running = true
	n.mu.Unlock()

	workers := n.config.Processor.MaxWorkers
	if workers <= 0 {
		workers = 1
	}

	n.log.WithFields(logger.Fields{"workers": workers}).Info("starting normalizer")
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker(ctx, i)
	}
	return nil
}

// Stop waits for the workers to drain. Workers exit when the context
// given to Start is cancelled or the raw channel is closed.
func (n *Normalizer) Stop() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()

	n.wg.Wait()
	n.log.Info("normalizer stopped")
}

func (n *Normalizer) worker(ctx context.Context, id int) {
	defer n.wg.Done()
	log := n.log.WithFields(logger.Fields{"worker": id})

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-n.channels.Raw:
			if !ok {
				return
			}
			n.process(ctx, log, msg)
		}
	}
}

func (n *Normalizer) process(ctx context.Context, log *logger.Entry, msg models.RawTickerMessage) {
	counters := n.registry.Exchange(msg.Exchange)

	tick, err := normalize(msg)
	if err != nil {
		counters.IncMalformedTicks()
		log.WithError(err).WithFields(logger.Fields{
			"exchange": string(msg.Exchange),
			"symbol":   msg.Symbol,
		}).Debug("dropping malformed payload")
		return
	}
	if !tick.Valid() {
		counters.IncMalformedTicks()
		log.WithFields(logger.Fields{
			"exchange": string(msg.Exchange),
			"symbol":   tick.Symbol,
			"price":    tick.Price,
		}).Debug("dropping invalid tick")
		return
	}

	if !n.store.Upsert(tick) {
		counters.IncOutOfOrder()
		return
	}
	counters.MarkTick(tick.ObservedAt)

	n.channels.SendUpdate(ctx, tick)
}
