package models

import (
	"fmt"
	"time"
)

// Exchange identifies one of the upstream market data sources.
type Exchange string

const (
	ExchangeOKX     Exchange = "okx"
	ExchangeUpbit   Exchange = "upbit"
	ExchangeCoinone Exchange = "coinone"
	ExchangeGate    Exchange = "gate"
)

// Exchanges lists every supported exchange in a stable order.
var Exchanges = []Exchange{ExchangeOKX, ExchangeUpbit, ExchangeCoinone, ExchangeGate}

// Valid reports whether the exchange is one of the supported sources.
func (e Exchange) Valid() bool {
	switch e {
	case ExchangeOKX, ExchangeUpbit, ExchangeCoinone, ExchangeGate:
		return true
	}
	return false
}

// VolumeUnit records whether Volume24h is denominated in the base asset
// (e.g. BTC for BTC/KRW) or the quote asset (e.g. KRW).
type VolumeUnit string

const (
	VolumeUnitBase  VolumeUnit = "base"
	VolumeUnitQuote VolumeUnit = "quote"
)

// Tick is the canonical normalized ticker update. Symbols use the
// "BASE/QUOTE" form (BTC/KRW, BTC/USDT); ChangePercent24h is expressed in
// percentage points with positive meaning a price increase.
type Tick struct {
	Exchange         Exchange   `json:"exchange"`
	Symbol           string     `json:"symbol"`
	Price            float64    `json:"price"`
	Volume24h        float64    `json:"volume_24h"`
	VolumeUnit       VolumeUnit `json:"volume_unit"`
	ChangePercent24h float64    `json:"change_percent_24h"`
	Currency         string     `json:"currency"`
	ObservedAt       time.Time  `json:"observed_at"`
	SourceTimestamp  time.Time  `json:"source_timestamp,omitempty"`
}

// Key uniquely identifies a (exchange, symbol) stream.
type Key struct {
	Exchange Exchange
	Symbol   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Exchange, k.Symbol)
}

// Key returns the latest-lookup key for the tick.
func (t Tick) Key() Key {
	return Key{Exchange: t.Exchange, Symbol: t.Symbol}
}

// Valid reports whether the tick may be accepted into the buffer.
// Ticks with non-positive price or negative volume are malformed.
func (t Tick) Valid() bool {
	return t.Exchange.Valid() &&
		t.Symbol != "" &&
		t.Price > 0 &&
		t.Volume24h >= 0 &&
		!t.ObservedAt.IsZero()
}

// RawTickerMessage is a single undecoded per-symbol ticker payload as
// emitted by an exchange connector. Data holds the exchange-native JSON
// object for exactly one symbol.
type RawTickerMessage struct {
	Exchange   Exchange
	Symbol     string
	Data       []byte
	ReceivedAt time.Time
}

// TickBatch groups ticks flushed together by the dispatcher.
type TickBatch struct {
	BatchID     string    `json:"batch_id"`
	Ticks       []Tick    `json:"ticks"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConnectionState describes the lifecycle of a supervised connector.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateSubscribed   ConnectionState = "SUBSCRIBED"
	StateDegraded     ConnectionState = "DEGRADED"
	StateFailed       ConnectionState = "FAILED"
)
