package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"tickerflow/models"
)

func tick(ex models.Exchange, symbol string, price float64, at time.Time) models.Tick {
	return models.Tick{
		Exchange:   ex,
		Symbol:     symbol,
		Price:      price,
		Volume24h:  1,
		VolumeUnit: models.VolumeUnitBase,
		Currency:   "USD",
		ObservedAt: at,
	}
}

func TestUpsertAndLatest(t *testing.T) {
	s := New(4, 10)
	now := time.Now()

	if !s.Upsert(tick(models.ExchangeOKX, "BTC/USDT", 100, now)) {
		t.Fatal("first upsert rejected")
	}
	if !s.Upsert(tick(models.ExchangeOKX, "BTC/USDT", 101, now.Add(time.Second))) {
		t.Fatal("newer upsert rejected")
	}

	got, ok := s.Latest(models.Key{Exchange: models.ExchangeOKX, Symbol: "BTC/USDT"})
	if !ok {
		t.Fatal("Latest: key not found")
	}
	if got.Price != 101 {
		t.Errorf("latest price = %v, want 101", got.Price)
	}
}

func TestUpsertRejectsOutOfOrder(t *testing.T) {
	s := New(4, 10)
	now := time.Now()

	s.Upsert(tick(models.ExchangeOKX, "BTC/USDT", 100, now))

	if s.Upsert(tick(models.ExchangeOKX, "BTC/USDT", 99, now.Add(-time.Second))) {
		t.Error("older tick accepted, want rejected")
	}
	// Equal timestamps are accepted, last writer wins.
	if !s.Upsert(tick(models.ExchangeOKX, "BTC/USDT", 98, now)) {
		t.Error("equal-timestamp tick rejected, want accepted")
	}

	got, _ := s.Latest(models.Key{Exchange: models.ExchangeOKX, Symbol: "BTC/USDT"})
	if got.Price != 98 {
		t.Errorf("latest price = %v, want 98", got.Price)
	}
}

func TestHistoryChronologicalAndBounded(t *testing.T) {
	s := New(4, 5)
	base := time.Now()
	key := models.Key{Exchange: models.ExchangeUpbit, Symbol: "BTC/KRW"}

	for i := 0; i < 8; i++ {
		s.Upsert(tick(models.ExchangeUpbit, "BTC/KRW", float64(i), base.Add(time.Duration(i)*time.Second)))
	}

	hist := s.History(key, 0)
	if len(hist) != 5 {
		t.Fatalf("history length = %d, want 5", len(hist))
	}
	// Ring keeps the 5 most recent ticks, oldest first.
	for i, h := range hist {
		if want := float64(i + 3); h.Price != want {
			t.Errorf("history[%d].Price = %v, want %v", i, h.Price, want)
		}
	}

	limited := s.History(key, 2)
	if len(limited) != 2 {
		t.Fatalf("limited history length = %d, want 2", len(limited))
	}
	if limited[0].Price != 6 || limited[1].Price != 7 {
		t.Errorf("limited history = %v, %v, want 6, 7", limited[0].Price, limited[1].Price)
	}
}

func TestSnapshotCopiesAcrossExchanges(t *testing.T) {
	s := New(4, 10)
	now := time.Now()

	s.Upsert(tick(models.ExchangeOKX, "BTC/USDT", 100, now))
	s.Upsert(tick(models.ExchangeGate, "BTC/USDT", 101, now))
	s.Upsert(tick(models.ExchangeUpbit, "BTC/KRW", 1000, now))

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d, want 3", len(snap))
	}
	// Sorted by symbol, then exchange.
	if snap[0].Exchange != models.ExchangeUpbit {
		t.Errorf("snap[0].Exchange = %s, want %s", snap[0].Exchange, models.ExchangeUpbit)
	}
	if snap[1].Exchange != models.ExchangeGate || snap[2].Exchange != models.ExchangeOKX {
		t.Errorf("snapshot not ordered: %v", snap)
	}

	// Mutating the snapshot must not affect the store.
	snap[0].Price = -1
	got, _ := s.Latest(models.Key{Exchange: models.ExchangeUpbit, Symbol: "BTC/KRW"})
	if got.Price != 1000 {
		t.Errorf("store mutated through snapshot: price = %v", got.Price)
	}
}

func TestConcurrentUpsertAndSnapshot(t *testing.T) {
	s := New(8, 50)
	base := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			symbol := fmt.Sprintf("SYM%d/USDT", w)
			for i := 0; i < 500; i++ {
				s.Upsert(tick(models.ExchangeOKX, symbol, float64(i), base.Add(time.Duration(i))))
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			for _, tk := range s.Snapshot() {
				if !tk.Valid() {
					t.Error("snapshot returned invalid tick")
					return
				}
			}
		}
	}()

	wg.Wait()
	<-done

	if got := s.Len(); got != 4 {
		t.Errorf("tracked pairs = %d, want 4", got)
	}
}
