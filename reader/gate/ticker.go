package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appconfig "tickerflow/config"
	"tickerflow/internal/channel"
	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/models"
	"tickerflow/reader"
)

// Reader polls the Gate.io spot tickers endpoint at a fixed interval. One
// request returns every spot market; the reader filters the configured
// currency pairs.
type Reader struct {
	config   *appconfig.Config
	channels *channel.Channels
	counters *metrics.Counters
	log      *logger.Log
	client   *http.Client
	limiter  *rate.Limiter

	mu      sync.RWMutex
	symbols map[string]struct{}
}

func NewReader(cfg *appconfig.Config, ch *channel.Channels, counters *metrics.Counters) *Reader {
	rl := cfg.Reader.RateLimit
	r := &Reader{
		config:   cfg,
		channels: ch,
		counters: counters,
		log:      logger.GetLogger(),
		client:   &http.Client{Timeout: cfg.Reader.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.BurstSize),
		symbols:  make(map[string]struct{}),
	}
	for _, s := range cfg.Source.Gate.Symbols {
		r.symbols[strings.ToUpper(s)] = struct{}{}
	}
	return r
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeGate }

func (r *Reader) Resubscribe(symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("gate: empty symbol list")
	}
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		next[strings.ToUpper(s)] = struct{}{}
	}
	r.mu.Lock()
	r.symbols = next
	r.mu.Unlock()
	return nil
}

func (r *Reader) wants(pair string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.symbols[strings.ToUpper(pair)]
	return ok
}

type tickerIdent struct {
	CurrencyPair string `json:"currency_pair"`
}

// Dial issues a probe request to validate the endpoint before the
// supervisor treats the connector as subscribed.
func (r *Reader) Dial(ctx context.Context) (reader.Session, error) {
	if _, err := r.fetch(ctx); err != nil {
		return nil, fmt.Errorf("gate: probe: %w", err)
	}

	r.log.WithComponent("gate_rest_reader").WithFields(logger.Fields{
		"url":      r.config.Source.Gate.URL,
		"interval": r.config.Source.Gate.Interval.String(),
	}).Info("gate polling session established")

	return &session{
		reader: r,
		log:    r.log.WithComponent("gate_rest_reader"),
		closed: make(chan struct{}),
	}, nil
}

func (r *Reader) fetch(ctx context.Context) ([]json.RawMessage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.Source.Gate.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	var tickers []json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&tickers); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return tickers, nil
}

type session struct {
	reader    *Reader
	log       *logger.Entry
	lastMsg   atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) LastMessageAt() time.Time {
	ns := s.lastMsg.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *session) Stream(ctx context.Context) error {
	interval := s.reader.config.Source.Gate.Interval
	now := time.Now()
	next := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return fmt.Errorf("gate: session closed")
		case <-timer.C:
			start := time.Now()
			s.poll(ctx)
			if took := time.Since(start); took > interval {
				s.log.WithFields(logger.Fields{"duration_ms": took.Milliseconds()}).Warn("poll took longer than interval")
			}
			next = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(next))
		}
	}
}

func (s *session) poll(ctx context.Context) {
	tickers, err := s.reader.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Warn("failed to fetch tickers")
		}
		return
	}

	now := time.Now()
	for _, elem := range tickers {
		var ident tickerIdent
		if err := json.Unmarshal(elem, &ident); err != nil || ident.CurrencyPair == "" {
			s.reader.counters.IncMalformedTicks()
			continue
		}
		if !s.reader.wants(ident.CurrencyPair) {
			continue
		}

		s.lastMsg.Store(now.UnixNano())
		s.reader.counters.IncMessagesReceived()

		msg := models.RawTickerMessage{
			Exchange:   models.ExchangeGate,
			Symbol:     strings.ToUpper(ident.CurrencyPair),
			Data:       append([]byte(nil), elem...),
			ReceivedAt: now,
		}
		if s.reader.channels.SendRaw(ctx, msg) {
			logger.IncrementRESTRead(len(elem))
		} else if ctx.Err() == nil {
			s.log.Warn("raw channel full, dropping gate ticker")
		}
	}
}
