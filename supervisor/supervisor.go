// Package supervisor drives the reconnect lifecycle of one exchange
// connector. Each supervisor owns its connector's state machine
// (DISCONNECTED, CONNECTING, SUBSCRIBED, DEGRADED, FAILED) and shares
// nothing with other supervisors besides metrics counters, so one
// exchange failing can never take down another.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "tickerflow/config"
	"tickerflow/internal/backoff"
	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/models"
	"tickerflow/reader"
)

type Supervisor struct {
	config   appconfig.SupervisorConfig
	conn     reader.Connector
	counters *metrics.Counters
	log      *logger.Entry
	boff     *backoff.Backoff

	mu      sync.RWMutex
	state   models.ConnectionState
	running bool

	resetCh chan struct{}
	wg      sync.WaitGroup
}

func New(cfg *appconfig.Config, conn reader.Connector, counters *metrics.Counters) *Supervisor {
	sc := cfg.Supervisor
	return &Supervisor{
		config:   sc,
		conn:     conn,
		counters: counters,
		log: logger.GetLogger().WithComponent("supervisor").WithFields(logger.Fields{
			"exchange": string(conn.Exchange()),
		}),
		boff:    backoff.New(sc.BaseDelay, sc.MaxDelay, sc.Jitter),
		state:   models.StateDisconnected,
		resetCh: make(chan struct{}, 1),
	}
}

func (s *Supervisor) Exchange() models.Exchange { return s.conn.Exchange() }

func (s *Supervisor) State() models.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Resubscribe forwards a new symbol list to the connector.
func (s *Supervisor) Resubscribe(symbols []string) error {
	return s.conn.Resubscribe(symbols)
}

// Reset clears a FAILED state and resumes reconnect attempts. It is a
// no-op while the supervisor is healthy.
func (s *Supervisor) Reset() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

// Start launches the supervision loop. The loop runs until ctx is
// cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("starting supervisor")
	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop blocks until the supervision loop has exited; cancelling the
// Start context is what makes it exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("supervisor stopped")
}

func (s *Supervisor) setState(state models.ConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if prev != state {
		s.log.WithFields(logger.Fields{"from": string(prev), "to": string(state)}).Info("connection state changed")
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	failures := 0
	for {
		if ctx.Err() != nil {
			s.setState(models.StateDisconnected)
			return
		}

		s.setState(models.StateConnecting)
		sess, err := s.conn.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(models.StateDisconnected)
				return
			}
			failures++
			s.counters.IncReconnects()
			s.log.WithError(err).WithFields(logger.Fields{"consecutive_failures": failures}).Warn("connect failed")

			if failures >= s.config.MaxReconnectAttempts {
				if !s.enterFailed(ctx) {
					return
				}
				failures = 0
				continue
			}

			s.setState(models.StateDisconnected)
			if !s.sleep(ctx, s.boff.Next()) {
				return
			}
			continue
		}

		s.setState(models.StateSubscribed)
		connectedAt := time.Now()

		streamErr := s.superviseSession(ctx, sess)
		sess.Close()

		if ctx.Err() != nil {
			s.setState(models.StateDisconnected)
			return
		}

		// A sustained healthy session earns a fresh retry budget.
		if time.Since(connectedAt) >= s.config.ResetAfter {
			failures = 0
			s.boff.Reset()
		}

		failures++
		s.counters.IncReconnects()
		if streamErr != nil {
			s.log.WithError(streamErr).WithFields(logger.Fields{"consecutive_failures": failures}).Warn("session ended")
		}

		if failures >= s.config.MaxReconnectAttempts {
			if !s.enterFailed(ctx) {
				return
			}
			failures = 0
			continue
		}

		s.setState(models.StateDisconnected)
		if !s.sleep(ctx, s.boff.Next()) {
			return
		}
	}
}

// enterFailed parks the supervisor in the terminal FAILED state until a
// manual Reset or shutdown. Returns false when ctx was cancelled.
func (s *Supervisor) enterFailed(ctx context.Context) bool {
	s.setState(models.StateFailed)
	s.log.WithFields(logger.Fields{"max_attempts": s.config.MaxReconnectAttempts}).Error("retry budget exhausted, connector failed")
	s.log.LogMetric("supervisor", "connector_failures", 1, "counter", logger.Fields{
		"exchange": string(s.conn.Exchange()),
	})

	select {
	case <-ctx.Done():
		s.setState(models.StateDisconnected)
		return false
	case <-s.resetCh:
		s.log.Info("manual reset received, resuming reconnect attempts")
		s.boff.Reset()
		return true
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	s.log.WithFields(logger.Fields{"delay_ms": d.Milliseconds()}).Debug("backing off before reconnect")
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.setState(models.StateDisconnected)
		return false
	case <-timer.C:
		return true
	}
}

// superviseSession runs the session's read loop and the staleness
// watchdog. It returns when the stream ends on its own or when the
// watchdog forces a reconnect.
func (s *Supervisor) superviseSession(ctx context.Context, sess reader.Session) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.Stream(sessCtx)
	}()

	interval := s.watchdogInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var degradedSince time.Time

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			last := sess.LastMessageAt()
			if last.IsZero() {
				last = start
			}
			age := time.Since(last)

			if age <= s.config.StalenessTimeout {
				if !degradedSince.IsZero() {
					degradedSince = time.Time{}
					s.setState(models.StateSubscribed)
					s.log.Info("tick flow recovered")
				}
				continue
			}

			if degradedSince.IsZero() {
				degradedSince = time.Now()
				s.setState(models.StateDegraded)
				s.log.WithFields(logger.Fields{"last_tick_age_ms": age.Milliseconds()}).Warn("no ticks within staleness window")
				continue
			}

			if time.Since(degradedSince) >= s.config.DegradedTimeout {
				s.log.WithFields(logger.Fields{"last_tick_age_ms": age.Milliseconds()}).Warn("degraded timeout exceeded, forcing reconnect")
				cancel()
				sess.Close()
				<-errCh
				return fmt.Errorf("stale connection: no ticks for %s", age)
			}
		}
	}
}

func (s *Supervisor) watchdogInterval() time.Duration {
	interval := s.config.StalenessTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}
