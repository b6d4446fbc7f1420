package channel

import (
	"context"
	"testing"
	"time"

	"tickerflow/models"
)

func TestSendRawDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()
	ctx := context.Background()

	msg := models.RawTickerMessage{Exchange: models.ExchangeOKX, Data: []byte(`{}`), ReceivedAt: time.Now()}
	if !c.SendRaw(ctx, msg) {
		t.Fatalf("first send should succeed")
	}
	if c.SendRaw(ctx, msg) {
		t.Fatalf("second send should drop, buffer is full")
	}

	stats := c.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendUpdateCancelledContext(t *testing.T) {
	c := NewChannels(0, 0)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tick := models.Tick{Exchange: models.ExchangeUpbit, Symbol: "BTC/KRW", Price: 1, ObservedAt: time.Now()}
	if c.SendUpdate(ctx, tick) {
		t.Fatalf("send on cancelled context should fail")
	}
}

func TestSendUpdateDelivers(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()

	tick := models.Tick{Exchange: models.ExchangeGate, Symbol: "BTC/USDT", Price: 65000, ObservedAt: time.Now()}
	if !c.SendUpdate(context.Background(), tick) {
		t.Fatalf("send failed")
	}

	got := <-c.Updates
	if got.Symbol != "BTC/USDT" || got.Price != 65000 {
		t.Fatalf("unexpected tick: %+v", got)
	}
}
