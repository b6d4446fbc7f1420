package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appconfig "tickerflow/config"
	"tickerflow/internal/metrics"
	"tickerflow/models"
	"tickerflow/reader"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Supervisor: appconfig.SupervisorConfig{
			BaseDelay:            time.Millisecond,
			MaxDelay:             5 * time.Millisecond,
			Jitter:               0,
			MaxReconnectAttempts: 3,
			ResetAfter:           time.Hour,
			StalenessTimeout:     40 * time.Millisecond,
			DegradedTimeout:      80 * time.Millisecond,
			ShutdownGrace:        time.Second,
		},
	}
}

type fakeSession struct {
	lastMsg   atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	s := &fakeSession{closed: make(chan struct{})}
	s.Touch(time.Now())
	return s
}

func (s *fakeSession) Touch(at time.Time) { s.lastMsg.Store(at.UnixNano()) }

func (s *fakeSession) Stream(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.closed:
		return errors.New("connection closed")
	}
}

func (s *fakeSession) LastMessageAt() time.Time {
	return time.Unix(0, s.lastMsg.Load())
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeConnector struct {
	mu        sync.Mutex
	dialCount int
	dialErr   error
	sessions  []*fakeSession
}

func (c *fakeConnector) Exchange() models.Exchange { return models.ExchangeOKX }

func (c *fakeConnector) Dial(ctx context.Context) (reader.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialCount++
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	sess := newFakeSession()
	c.sessions = append(c.sessions, sess)
	return sess, nil
}

func (c *fakeConnector) Resubscribe(symbols []string) error { return nil }

func (c *fakeConnector) dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialCount
}

func (c *fakeConnector) lastSession() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

func waitForState(t *testing.T, s *Supervisor, want models.ConnectionState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, current %s", want, s.State())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSupervisorFailsAfterMaxAttempts(t *testing.T) {
	conn := &fakeConnector{dialErr: errors.New("connection refused")}
	counters := metrics.NewRegistry().Exchange(models.ExchangeOKX)
	s := New(testConfig(), conn, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		s.Stop()
	}()

	waitForState(t, s, models.StateFailed)

	if got := conn.dials(); got != 3 {
		t.Errorf("dial attempts before FAILED = %d, want 3", got)
	}
	if got := counters.Snapshot().Reconnects; got != 3 {
		t.Errorf("reconnect counter = %d, want 3", got)
	}

	// FAILED is terminal until reset: no further dials.
	time.Sleep(20 * time.Millisecond)
	if got := conn.dials(); got != 3 {
		t.Errorf("dial attempts while FAILED = %d, want 3", got)
	}
}

func TestSupervisorResetResumesDialing(t *testing.T) {
	conn := &fakeConnector{dialErr: errors.New("connection refused")}
	counters := metrics.NewRegistry().Exchange(models.ExchangeOKX)
	s := New(testConfig(), conn, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		s.Stop()
	}()

	waitForState(t, s, models.StateFailed)

	conn.mu.Lock()
	conn.dialErr = nil
	conn.mu.Unlock()

	s.Reset()
	waitForState(t, s, models.StateSubscribed)
}

func TestSupervisorHealthySessionStaysSubscribed(t *testing.T) {
	conn := &fakeConnector{}
	counters := metrics.NewRegistry().Exchange(models.ExchangeOKX)
	s := New(testConfig(), conn, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		s.Stop()
	}()

	waitForState(t, s, models.StateSubscribed)

	// Keep the session fresh past the staleness window.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				if sess := conn.lastSession(); sess != nil {
					sess.Touch(time.Now())
				}
			}
		}
	}()
	defer close(stop)

	time.Sleep(120 * time.Millisecond)
	if got := s.State(); got != models.StateSubscribed {
		t.Errorf("state after healthy period = %s, want %s", got, models.StateSubscribed)
	}
	if got := conn.dials(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestSupervisorStaleSessionDegradesThenReconnects(t *testing.T) {
	conn := &fakeConnector{}
	counters := metrics.NewRegistry().Exchange(models.ExchangeOKX)
	s := New(testConfig(), conn, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		s.Stop()
	}()

	waitForState(t, s, models.StateSubscribed)

	sess := conn.lastSession()
	if sess == nil {
		t.Fatal("no session established")
	}
	// Backdate the last message so the watchdog sees a stale stream.
	sess.Touch(time.Now().Add(-time.Minute))

	waitForState(t, s, models.StateDegraded)

	// After the degraded timeout the supervisor forces a reconnect.
	deadline := time.After(2 * time.Second)
	for conn.dials() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for forced reconnect")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSupervisorDoubleStart(t *testing.T) {
	conn := &fakeConnector{}
	counters := metrics.NewRegistry().Exchange(models.ExchangeOKX)
	s := New(testConfig(), conn, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	cancel()
	s.Stop()
}
