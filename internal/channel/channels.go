package channel

import (
	"context"
	"sync"
	"time"

	"tickerflow/logger"
	"tickerflow/models"
)

// Stats counts traffic through the pipeline channels.
type Stats struct {
	RawSent        int64
	RawDropped     int64
	UpdatesSent    int64
	UpdatesDropped int64
}

// Channels owns the two bounded queues between the pipeline stages:
// Raw carries undecoded exchange payloads from connectors to the
// normalizer, Updates carries accepted ticks from the normalizer to the
// batch dispatcher. Sends never block ingestion; on overflow the message
// is dropped and counted.
type Channels struct {
	Raw     chan models.RawTickerMessage
	Updates chan models.Tick

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize, updateBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:     make(chan models.RawTickerMessage, rawBufferSize),
		Updates: make(chan models.Tick, updateBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":    rawBufferSize,
		"update_buffer_size": updateBufferSize,
	}).Info("pipeline channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
	close(c.Updates)
	c.log.WithComponent("channels").Info("pipeline channels closed")
}

// SendRaw enqueues a raw payload without blocking. It returns false when
// the message was dropped because the channel was full or the context was
// cancelled.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawTickerMessage) bool {
	select {
	case c.Raw <- msg:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.RawDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendUpdate enqueues an accepted tick for the dispatcher, same
// non-blocking contract as SendRaw.
func (c *Channels) SendUpdate(ctx context.Context, tick models.Tick) bool {
	select {
	case c.Updates <- tick:
		c.statsMutex.Lock()
		c.stats.UpdatesSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.UpdatesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs channel depth and traffic so
// backpressure shows up in the operational report.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log := c.log.WithComponent("channels")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			log.WithFields(logger.Fields{
				"raw_sent":        stats.RawSent,
				"raw_dropped":     stats.RawDropped,
				"updates_sent":    stats.UpdatesSent,
				"updates_dropped": stats.UpdatesDropped,
				"raw_depth":       len(c.Raw),
				"update_depth":    len(c.Updates),
			}).Info("channel stats")
			if stats.RawDropped > 0 {
				c.log.LogMetric("channels", "raw_dropped_total", stats.RawDropped, "counter", nil)
			}
			if stats.UpdatesDropped > 0 {
				c.log.LogMetric("channels", "updates_dropped_total", stats.UpdatesDropped, "counter", nil)
			}
		}
	}
}
