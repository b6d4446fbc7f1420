package coinone

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

// Reader polls the Coinone public v2 ticker endpoint at a fixed interval.
// Coinone has no public ticker firehose, so REST polling is the supported
// path; a single request returns every market in the quote currency and
// the reader filters the configured base currencies.
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
	for _, s := range cfg.Source.Coinone.Symbols {
		r.symbols[strings.ToUpper(s)] = struct{}{}
	}
	return r
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeCoinone }

func (r *Reader) Resubscribe(symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("coinone: empty symbol list")
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

func (r *Reader) wants(base string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.symbols[strings.ToUpper(base)]
	return ok
}

type tickerResponse struct {
	Result    string            `json:"result"`
	ErrorCode string            `json:"error_code"`
	Tickers   []json.RawMessage `json:"tickers"`
}

type tickerIdent struct {
	TargetCurrency string `json:"target_currency"`
}

// Dial issues a probe request so endpoint or market errors surface during
// the supervisor's CONNECTING phase instead of silently failing forever
// in the polling loop.
func (r *Reader) Dial(ctx context.Context) (reader.Session, error) {
	if _, err := r.fetch(ctx); err != nil {
		return nil, fmt.Errorf("coinone: probe: %w", err)
	}

	r.log.WithComponent("coinone_rest_reader").WithFields(logger.Fields{
		"url":      r.endpoint(),
		"interval": r.config.Source.Coinone.Interval.String(),
	}).Info("coinone polling session established")

	return &session{
		reader: r,
		log:    r.log.WithComponent("coinone_rest_reader"),
		closed: make(chan struct{}),
	}, nil
}

func (r *Reader) endpoint() string {
	cfg := r.config.Source.Coinone
	return fmt.Sprintf("%s/%s", strings.TrimRight(cfg.URL, "/"), cfg.QuoteCurrency)
}

func (r *Reader) fetch(ctx context.Context) ([]json.RawMessage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(), nil)
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

	var body tickerResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if body.Result != "success" {
		return nil, fmt.Errorf("api error result=%s code=%s", body.Result, body.ErrorCode)
	}
	return body.Tickers, nil
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

// Stream polls on the configured interval, aligned to interval boundaries
// so successive runs keep a steady cadence even when a fetch overruns.
func (s *session) Stream(ctx context.Context) error {
	interval := s.reader.config.Source.Coinone.Interval
	now := time.Now()
	next := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return fmt.Errorf("coinone: session closed")
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
		if err := json.Unmarshal(elem, &ident); err != nil || ident.TargetCurrency == "" {
			s.reader.counters.IncMalformedTicks()
			continue
		}
		if !s.reader.wants(ident.TargetCurrency) {
			continue
		}

		s.lastMsg.Store(now.UnixNano())
		s.reader.counters.IncMessagesReceived()

		msg := models.RawTickerMessage{
			Exchange:   models.ExchangeCoinone,
			Symbol:     strings.ToUpper(ident.TargetCurrency),
			Data:       append([]byte(nil), elem...),
			ReceivedAt: now,
		}
		if s.reader.channels.SendRaw(ctx, msg) {
			logger.IncrementRESTRead(len(elem))
		} else if ctx.Err() == nil {
			s.log.Warn("raw channel full, dropping coinone ticker")
		}
	}
}
