package coinone

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	appconfig "tickerflow/config"
	"tickerflow/internal/channel"
	"tickerflow/internal/metrics"
	"tickerflow/models"
)

const tickerBody = `{
  "result": "success",
  "error_code": "0",
  "tickers": [
    {"quote_currency":"KRW","target_currency":"btc","last":"51500000","first":"50000000","target_volume":"98.7","timestamp":1756200000000},
    {"quote_currency":"KRW","target_currency":"eth","last":"4200000","first":"4100000","target_volume":"500","timestamp":1756200000000},
    {"quote_currency":"KRW","target_currency":"doge","last":"150","first":"140","target_volume":"100000","timestamp":1756200000000}
  ]
}`

func testConfig(url string) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Reader.Timeout = 2 * time.Second
	cfg.Reader.RateLimit.RequestsPerSecond = 100
	cfg.Reader.RateLimit.BurstSize = 100
	cfg.Source.Coinone.URL = url
	cfg.Source.Coinone.QuoteCurrency = "KRW"
	cfg.Source.Coinone.Symbols = []string{"BTC", "ETH"}
	cfg.Source.Coinone.Interval = 20 * time.Millisecond
	return cfg
}

func newFixture(url string) (*Reader, *channel.Channels, *metrics.Counters) {
	ch := channel.NewChannels(16, 16)
	counters := metrics.NewRegistry().Exchange(models.ExchangeCoinone)
	return NewReader(testConfig(url), ch, counters), ch, counters
}

func TestDialProbesEndpoint(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path.Store(req.URL.Path)
		w.Write([]byte(tickerBody))
	}))
	defer srv.Close()

	r, _, _ := newFixture(srv.URL)
	sess, err := r.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess.Close()

	if got, _ := path.Load().(string); got != "/KRW" {
		t.Errorf("probe path = %q, want /KRW", got)
	}
}

func TestDialFailsOnAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"result":"error","error_code":"107"}`))
	}))
	defer srv.Close()

	r, _, _ := newFixture(srv.URL)
	if _, err := r.Dial(context.Background()); err == nil {
		t.Error("Dial should fail when the API reports an error")
	}
}

func TestDialFailsOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r, _, _ := newFixture(srv.URL)
	if _, err := r.Dial(context.Background()); err == nil {
		t.Error("Dial should fail on a non-200 response")
	}
}

func TestStreamPollsAndFiltersSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(tickerBody))
	}))
	defer srv.Close()

	r, ch, counters := newFixture(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := r.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	streamDone := make(chan error, 1)
	go func() { streamDone <- sess.Stream(ctx) }()

	seen := make(map[string]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case msg := <-ch.Raw:
			if msg.Exchange != models.ExchangeCoinone {
				t.Errorf("Exchange = %s, want %s", msg.Exchange, models.ExchangeCoinone)
			}
			seen[msg.Symbol] = true
			if msg.Symbol == "DOGE" {
				t.Error("unconfigured symbol DOGE passed the filter")
			}
		case <-deadline:
			t.Fatalf("timed out, saw symbols %v", seen)
		}
	}
	if !seen["BTC"] || !seen["ETH"] {
		t.Errorf("symbols seen = %v, want BTC and ETH", seen)
	}

	if counters.Snapshot().MessagesReceived < 2 {
		t.Errorf("messages received = %d, want at least 2", counters.Snapshot().MessagesReceived)
	}
	if sess.LastMessageAt().IsZero() {
		t.Error("LastMessageAt not updated")
	}

	cancel()
	select {
	case err := <-streamDone:
		if err != nil {
			t.Errorf("Stream after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}

func TestCloseStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(tickerBody))
	}))
	defer srv.Close()

	r, _, _ := newFixture(srv.URL)
	sess, err := r.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	streamDone := make(chan error, 1)
	go func() { streamDone <- sess.Stream(context.Background()) }()

	sess.Close()
	select {
	case err := <-streamDone:
		if err == nil || !strings.Contains(err.Error(), "session closed") {
			t.Errorf("Stream after Close = %v, want session closed error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on Close")
	}
}

func TestResubscribeSwapsFilter(t *testing.T) {
	r, _, _ := newFixture("http://unused")

	if !r.wants("BTC") {
		t.Fatal("initial filter missing BTC")
	}
	if err := r.Resubscribe([]string{"xrp"}); err != nil {
		t.Fatalf("Resubscribe: %v", err)
	}
	if r.wants("BTC") {
		t.Error("old symbol still wanted after Resubscribe")
	}
	if !r.wants("XRP") {
		t.Error("new symbol not wanted after Resubscribe")
	}
	if err := r.Resubscribe(nil); err == nil {
		t.Error("Resubscribe with empty list should fail")
	}
}
