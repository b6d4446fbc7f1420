package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "tickerflow/config"
	"tickerflow/internal/channel"
	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/models"
	"tickerflow/reader"
)

const keepAliveInterval = 60 * time.Second

// Reader streams ticker updates from the Upbit public websocket. The
// subscription frame is a JSON array carrying a unique ticket, the ticker
// channel selection and the market codes; responses arrive as binary
// frames holding one JSON ticker object each.
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
		symbols:  append([]string(nil), cfg.Source.Upbit.Symbols...),
	}
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeUpbit }

func (r *Reader) Resubscribe(symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("upbit: empty symbol list")
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

// Dial connects and sends the ticket/ticker subscription frame.
func (r *Reader) Dial(ctx context.Context) (reader.Session, error) {
	cfg := r.config.Source.Upbit
	log := r.log.WithComponent("upbit_ws_reader")

	r.mu.RLock()
	symbols := append([]string(nil), r.symbols...)
	r.mu.RUnlock()

	dialer := websocket.Dialer{HandshakeTimeout: r.config.Reader.Timeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("upbit: dial %s: %w", cfg.URL, err)
	}

	frame := []interface{}{
		map[string]string{"ticket": uuid.New().String()},
		map[string]interface{}{"type": "ticker", "codes": symbols},
		map[string]string{"format": "DEFAULT"},
	}
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upbit: subscribe: %w", err)
	}

	log.WithFields(logger.Fields{"url": cfg.URL, "codes": symbols}).Info("upbit websocket subscribed")

	s := &session{reader: r, conn: conn, log: log}
	r.mu.Lock()
	r.active = s
	r.mu.Unlock()
	return s, nil
}

type session struct {
	reader *Reader
	conn   *websocket.Conn
	log    *logger.Entry

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

type tickerFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Stream reads binary ticker frames until cancelled or the connection
// fails.
func (s *session) Stream(ctx context.Context) error {
	defer s.Close()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.keepAlive(pingCtx)

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
			return fmt.Errorf("upbit: read: %w", err)
		}

		var frame tickerFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.reader.counters.IncMalformedTicks()
			s.log.WithError(err).WithFields(logger.Fields{"payload": string(payload)}).Warn("failed to decode frame")
			continue
		}

		// Upbit sends {"status":"UP"} keepalives with no type field.
		if frame.Type != "ticker" && frame.Type != "" {
			continue
		}
		if frame.Code == "" {
			continue
		}

		now := time.Now()
		s.lastMsg.Store(now.UnixNano())
		s.reader.counters.IncMessagesReceived()

		msg := models.RawTickerMessage{
			Exchange:   models.ExchangeUpbit,
			Symbol:     frame.Code,
			Data:       append([]byte(nil), payload...),
			ReceivedAt: now,
		}
		if s.reader.channels.SendRaw(ctx, msg) {
			logger.IncrementWSRead(len(payload))
		} else if ctx.Err() == nil {
			s.log.Warn("raw channel full, dropping upbit ticker")
		}
	}
}

func (s *session) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.log.WithError(err).Debug("keepalive ping failed")
				return
			}
		}
	}
}
