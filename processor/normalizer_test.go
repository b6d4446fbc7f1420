package processor

import (
	"context"
	"testing"
	"time"

	appconfig "tickerflow/config"
	"tickerflow/internal/channel"
	"tickerflow/internal/metrics"
	"tickerflow/models"
	"tickerflow/store"
)

func normalizerFixture() (*Normalizer, *channel.Channels, *store.Store, *metrics.Registry) {
	cfg := &appconfig.Config{}
	cfg.Processor.MaxWorkers = 2
	ch := channel.NewChannels(64, 64)
	st := store.New(4, 10)
	reg := metrics.NewRegistry()
	return NewNormalizer(cfg, ch, st, reg), ch, st, reg
}

func TestNormalizerPipelinesTicks(t *testing.T) {
	n, ch, st, _ := normalizerFixture()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		n.Stop()
	}()

	msg := models.RawTickerMessage{
		Exchange:   models.ExchangeOKX,
		Symbol:     "BTC-USDT",
		Data:       []byte(`{"instId":"BTC-USDT","last":"65000.5","volCcy24h":"1000000","chgUtc0":"0.015","ts":"1756200000000"}`),
		ReceivedAt: time.Now(),
	}
	if !ch.SendRaw(ctx, msg) {
		t.Fatal("SendRaw failed")
	}

	select {
	case tick := <-ch.Updates:
		if tick.Symbol != "BTC/USDT" || tick.Price != 65000.5 {
			t.Errorf("unexpected tick on update channel: %+v", tick)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick reached the update channel")
	}

	got, ok := st.Latest(models.Key{Exchange: models.ExchangeOKX, Symbol: "BTC/USDT"})
	if !ok {
		t.Fatal("tick not stored")
	}
	if got.Price != 65000.5 {
		t.Errorf("stored price = %v, want 65000.5", got.Price)
	}
}

func TestNormalizerCountsMalformed(t *testing.T) {
	n, ch, _, reg := normalizerFixture()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		n.Stop()
	}()

	ch.SendRaw(ctx, models.RawTickerMessage{
		Exchange:   models.ExchangeUpbit,
		Data:       []byte(`{"code":"KRW-BTC","trade_price":`),
		ReceivedAt: time.Now(),
	})

	counters := reg.Exchange(models.ExchangeUpbit)
	deadline := time.After(time.Second)
	for counters.Snapshot().MalformedTicks == 0 {
		select {
		case <-deadline:
			t.Fatal("malformed tick never counted")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestNormalizerCountsOutOfOrder(t *testing.T) {
	n, ch, st, reg := normalizerFixture()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		n.Stop()
	}()

	now := time.Now()
	newer := models.RawTickerMessage{
		Exchange:   models.ExchangeGate,
		Data:       []byte(`{"currency_pair":"BTC_USDT","last":"65000","base_volume":"10","change_percentage":"1.2"}`),
		ReceivedAt: now,
	}
	ch.SendRaw(ctx, newer)

	key := models.Key{Exchange: models.ExchangeGate, Symbol: "BTC/USDT"}
	deadline := time.After(time.Second)
	for {
		if _, ok := st.Latest(key); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first tick never stored")
		case <-time.After(time.Millisecond):
		}
	}

	older := newer
	older.ReceivedAt = now.Add(-time.Minute)
	older.Data = []byte(`{"currency_pair":"BTC_USDT","last":"100","base_volume":"10","change_percentage":"1.2"}`)
	ch.SendRaw(ctx, older)

	counters := reg.Exchange(models.ExchangeGate)
	deadline = time.After(time.Second)
	for counters.Snapshot().OutOfOrderDropped == 0 {
		select {
		case <-deadline:
			t.Fatal("out-of-order tick never counted")
		case <-time.After(time.Millisecond):
		}
	}

	got, _ := st.Latest(key)
	if got.Price != 65000 {
		t.Errorf("stored price = %v, want 65000 (older tick must not overwrite)", got.Price)
	}
}
