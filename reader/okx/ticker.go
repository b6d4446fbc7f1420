package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tickerflow/config"
	"tickerflow/internal/channel"
	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/models"
	"tickerflow/reader"
)

// Reader streams spot ticker updates from the OKX public websocket. All
// configured instruments share one multiplexed connection on the
// "tickers" channel; no authentication is required for public data.
type Reader struct {
	config   *appconfig.Config
	channels *channel.Channels
	counters *metrics.Counters
	log      *logger.Log

	mu      sync.RWMutex
	symbols []string
	active  *session
}

func NewReader(cfg *appconfig.Config, ch *channel.Channels, counters *metrics.Counters) *Reader {
	return &Reader{
		config:   cfg,
		channels: ch,
		counters: counters,
		log:      logger.GetLogger(),
		symbols:  append([]string(nil), cfg.Source.Okx.Symbols...),
	}
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeOKX }

// Resubscribe swaps the instrument list and drops the active session so
// the supervisor reconnects with the new subscription.
func (r *Reader) Resubscribe(symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("okx: empty symbol list")
	}
	r.mu.Lock()
	r.symbols = append([]string(nil), symbols...)
	active := r.active
	r.mu.Unlock()

	if active != nil {
		return active.Close()
	}
	return nil
}

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsEvent struct {
	Event string          `json:"event"`
	Code  string          `json:"code,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Arg   *subscribeArg   `json:"arg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type tickerData struct {
	InstID string `json:"instId"`
}

// Dial connects the websocket and sends the tickers subscription frame.
func (r *Reader) Dial(ctx context.Context) (reader.Session, error) {
	cfg := r.config.Source.Okx
	log := r.log.WithComponent("okx_ws_reader")

	r.mu.RLock()
	symbols := append([]string(nil), r.symbols...)
	r.mu.RUnlock()

	header := http.Header{}
	header.Set("Origin", "https://www.okx.com")
	header.Set("User-Agent", fmt.Sprintf("%s/%s", r.config.Tickerflow.Name, r.config.Tickerflow.Version))

	dialer := websocket.Dialer{HandshakeTimeout: r.config.Reader.Timeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("okx: dial %s: %w", cfg.URL, err)
	}

	args := make([]subscribeArg, len(symbols))
	for i, sym := range symbols {
		args[i] = subscribeArg{Channel: "tickers", InstID: sym}
	}
	if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Args: args}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("okx: subscribe: %w", err)
	}

	log.WithFields(logger.Fields{"url": cfg.URL, "symbols": symbols}).Info("okx websocket subscribed")

	s := &session{
		reader:       r,
		conn:         conn,
		pingInterval: cfg.PingInterval,
		log:          log,
	}
	r.mu.Lock()
	r.active = s
	r.mu.Unlock()
	return s, nil
}

type session struct {
	reader       *Reader
	conn         *websocket.Conn
	pingInterval time.Duration
	log          *logger.Entry

	writeMu   sync.Mutex
	closeOnce sync.Once
	lastMsg   atomic.Int64
}

func (s *session) LastMessageAt() time.Time {
	ns := s.lastMsg.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Stream reads ticker frames until the context is cancelled or the
// connection fails. Malformed frames are logged and skipped without
// closing the connection.
func (s *session) Stream(ctx context.Context) error {
	defer s.Close()

	// OKX expects a literal "ping" text frame during idle periods.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("okx: read: %w", err)
		}

		if string(payload) == "pong" {
			continue
		}
		s.handleMessage(ctx, payload)
	}
}

func (s *session) handleMessage(ctx context.Context, payload []byte) {
	var evt wsEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		s.reader.counters.IncMalformedTicks()
		s.log.WithError(err).WithFields(logger.Fields{"payload": string(payload)}).Warn("failed to decode frame")
		return
	}

	switch {
	case evt.Event == "error":
		s.log.WithFields(logger.Fields{"code": evt.Code, "msg": evt.Msg}).Warn("okx error event")
		return
	case evt.Event != "":
		s.log.WithFields(logger.Fields{"event": evt.Event}).Debug("okx control event")
		return
	case len(evt.Data) == 0:
		return
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(evt.Data, &elements); err != nil {
		s.reader.counters.IncMalformedTicks()
		s.log.WithError(err).Warn("failed to decode data array")
		return
	}

	now := time.Now()
	for _, elem := range elements {
		var td tickerData
		if err := json.Unmarshal(elem, &td); err != nil || td.InstID == "" {
			s.reader.counters.IncMalformedTicks()
			s.log.WithFields(logger.Fields{"payload": string(elem)}).Warn("ticker element missing instId")
			continue
		}

		s.lastMsg.Store(now.UnixNano())
		s.reader.counters.IncMessagesReceived()

		msg := models.RawTickerMessage{
			Exchange:   models.ExchangeOKX,
			Symbol:     td.InstID,
			Data:       append([]byte(nil), elem...),
			ReceivedAt: now,
		}
		if s.reader.channels.SendRaw(ctx, msg) {
			logger.IncrementWSRead(len(elem))
		} else if ctx.Err() == nil {
			s.log.Warn("raw channel full, dropping okx ticker")
		}
	}
}

func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			s.writeMu.Unlock()
			if err != nil {
				s.log.WithError(err).Debug("ping write failed")
				return
			}
		}
	}
}
