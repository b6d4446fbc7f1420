// Package dispatcher batches accepted ticks and fans the batches out to
// the configured sinks. Ticks are deduplicated per pair within a flush
// window so a batch carries at most one tick per (exchange, symbol).
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "tickerflow/config"
	"tickerflow/internal/channel"
	"tickerflow/logger"
	"tickerflow/models"
	"tickerflow/sink"
)

type Dispatcher struct {
	config   *appconfig.Config
	channels *channel.Channels
	sinks    []sink.Sink
	queues   []chan models.TickBatch
	log      *logger.Entry

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup

	// pending is touched only by the run goroutine.
	pending map[models.Key]models.Tick
}

func New(cfg *appconfig.Config, ch *channel.Channels, sinks []sink.Sink) *Dispatcher {
	d := &Dispatcher{
		config:   cfg,
		channels: ch,
		sinks:    sinks,
		queues:   make([]chan models.TickBatch, len(sinks)),
		log:      logger.GetLogger().WithComponent("dispatcher"),
		pending:  make(map[models.Key]models.Tick),
	}
	queueSize := cfg.Dispatcher.SinkQueueSize
	if queueSize <= 0 {
		queueSize = 8
	}
	for i := range d.queues {
		d.queues[i] = make(chan models.TickBatch, queueSize)
	}
	return d
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	d.log.WithFields(logger.Fields{
		"sinks":           len(d.sinks),
		"flush_interval":  d.config.Dispatcher.FlushInterval.String(),
		"flush_threshold": d.config.Dispatcher.FlushThreshold,
	}).Info("starting dispatcher")

	for i, s := range d.sinks {
		d.wg.Add(1)
		go d.sinkWorker(ctx, s, d.queues[i])
	}

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop blocks until the final flush has been handed to the sink workers
// and every queued batch has been delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	interval := d.config.Dispatcher.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	threshold := d.config.Dispatcher.FlushThreshold
	if threshold <= 0 {
		threshold = 100
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.flush("shutdown")
			d.closeQueues()
			return
		case tick, ok := <-d.channels.Updates:
			if !ok {
				d.flush("channel_closed")
				d.closeQueues()
				return
			}
			d.pending[tick.Key()] = tick
			if len(d.pending) >= threshold {
				d.flush("threshold")
				ticker.Reset(interval)
			}
		case <-ticker.C:
			d.flush("interval")
		}
	}
}

func (d *Dispatcher) flush(reason string) {
	if len(d.pending) == 0 {
		return
	}

	ticks := make([]models.Tick, 0, len(d.pending))
	for _, tick := range d.pending {
		ticks = append(ticks, tick)
	}
	d.pending = make(map[models.Key]models.Tick)

	batch := models.TickBatch{
		BatchID:     uuid.New().String(),
		Ticks:       ticks,
		RecordCount: len(ticks),
		CreatedAt:   time.Now(),
	}

	d.log.WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"record_count": batch.RecordCount,
		"reason":       reason,
	}).Debug("flushing batch")

	for i := range d.queues {
		d.enqueue(i, batch)
	}
	logger.LogDataFlowEntry(d.log, "update_channel", "sinks", batch.RecordCount, "tick_batch")
}

// enqueue delivers batch to one sink queue, dropping that queue's
// oldest batch when it is full.
func (d *Dispatcher) enqueue(i int, batch models.TickBatch) {
	q := d.queues[i]
	for {
		select {
		case q <- batch:
			return
		default:
		}

		select {
		case dropped := <-q:
			d.log.WithFields(logger.Fields{
				"sink":     d.sinks[i].Name(),
				"batch_id": dropped.BatchID,
			}).Warn("sink queue full, dropped oldest batch")
		default:
		}
	}
}

func (d *Dispatcher) closeQueues() {
	for _, q := range d.queues {
		close(q)
	}
}

// sinkWorker drains its queue until the queue is closed, so batches
// flushed during shutdown still reach the sink.
func (d *Dispatcher) sinkWorker(ctx context.Context, s sink.Sink, queue <-chan models.TickBatch) {
	defer d.wg.Done()

	log := d.log.WithFields(logger.Fields{"sink": s.Name()})
	log.Info("starting sink worker")

	// Deliveries run on a context detached from the root cancel so
	// batches flushed during shutdown still reach context-aware sinks.
	sendCtx := context.WithoutCancel(ctx)
	for batch := range queue {
		if err := s.Send(sendCtx, batch); err != nil {
			logger.IncrementSinkError()
			log.WithError(err).WithFields(logger.Fields{
				"batch_id":     batch.BatchID,
				"record_count": batch.RecordCount,
			}).Error("sink delivery failed")
		}
	}
	log.Info("sink worker stopped")
}
