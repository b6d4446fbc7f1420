package processor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"tickerflow/internal/symbols"
	"tickerflow/models"
)

// normalize converts one exchange-native payload into the canonical
// tick shape. Malformed payloads return an error and are counted, never
// propagated downstream.
func normalize(msg models.RawTickerMessage) (models.Tick, error) {
	switch msg.Exchange {
	case models.ExchangeOKX:
		return normalizeOKX(msg)
	case models.ExchangeUpbit:
		return normalizeUpbit(msg)
	case models.ExchangeCoinone:
		return normalizeCoinone(msg)
	case models.ExchangeGate:
		return normalizeGate(msg)
	default:
		return models.Tick{}, fmt.Errorf("unsupported exchange %q", msg.Exchange)
	}
}

// okxTicker is one element of the v5 tickers channel data array. All
// numeric fields arrive as strings.
type okxTicker struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	VolCcy24h string `json:"volCcy24h"`
	ChgUTC0   string `json:"chgUtc0"`
	Ts        string `json:"ts"`
}

func normalizeOKX(msg models.RawTickerMessage) (models.Tick, error) {
	var raw okxTicker
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		return models.Tick{}, fmt.Errorf("decode okx ticker: %w", err)
	}

	canonical := symbols.Canonical(models.ExchangeOKX, raw.InstID)
	if canonical == "" {
		return models.Tick{}, fmt.Errorf("unparseable okx instrument %q", raw.InstID)
	}

	price, err := parseFloat("last", raw.Last)
	if err != nil {
		return models.Tick{}, err
	}
	volume, err := parseFloat("volCcy24h", raw.VolCcy24h)
	if err != nil {
		return models.Tick{}, err
	}
	// chgUtc0 is a fraction; the canonical unit is percentage points.
	change, err := parseFloat("chgUtc0", raw.ChgUTC0)
	if err != nil {
		return models.Tick{}, err
	}

	tick := models.Tick{
		Exchange:         models.ExchangeOKX,
		Symbol:           canonical,
		Price:            price,
		Volume24h:        volume,
		VolumeUnit:       models.VolumeUnitQuote,
		ChangePercent24h: change * 100,
		Currency:         symbols.QuoteCurrency(canonical),
		ObservedAt:       msg.ReceivedAt,
	}
	if ms, err := strconv.ParseInt(raw.Ts, 10, 64); err == nil && ms > 0 {
		tick.SourceTimestamp = time.UnixMilli(ms)
	}
	return tick, nil
}

type upbitTicker struct {
	Code             string  `json:"code"`
	TradePrice       float64 `json:"trade_price"`
	AccTradeVolume24 float64 `json:"acc_trade_volume_24h"`
	SignedChangeRate float64 `json:"signed_change_rate"`
	Timestamp        int64   `json:"timestamp"`
}

func normalizeUpbit(msg models.RawTickerMessage) (models.Tick, error) {
	var raw upbitTicker
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		return models.Tick{}, fmt.Errorf("decode upbit ticker: %w", err)
	}

	canonical := symbols.Canonical(models.ExchangeUpbit, raw.Code)
	if canonical == "" {
		return models.Tick{}, fmt.Errorf("unparseable upbit code %q", raw.Code)
	}

	tick := models.Tick{
		Exchange:         models.ExchangeUpbit,
		Symbol:           canonical,
		Price:            raw.TradePrice,
		Volume24h:        raw.AccTradeVolume24,
		VolumeUnit:       models.VolumeUnitBase,
		ChangePercent24h: raw.SignedChangeRate * 100,
		Currency:         symbols.QuoteCurrency(canonical),
		ObservedAt:       msg.ReceivedAt,
	}
	if raw.Timestamp > 0 {
		tick.SourceTimestamp = time.UnixMilli(raw.Timestamp)
	}
	return tick, nil
}

// coinoneTicker is one element of the ticker_new response. The v2 API
// carries both legs of the pair inside each element.
type coinoneTicker struct {
	QuoteCurrency  string `json:"quote_currency"`
	TargetCurrency string `json:"target_currency"`
	Last           string `json:"last"`
	First          string `json:"first"`
	TargetVolume   string `json:"target_volume"`
	Timestamp      int64  `json:"timestamp"`
}

func normalizeCoinone(msg models.RawTickerMessage) (models.Tick, error) {
	var raw coinoneTicker
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		return models.Tick{}, fmt.Errorf("decode coinone ticker: %w", err)
	}

	canonical := symbols.CanonicalPair(raw.TargetCurrency, raw.QuoteCurrency)
	if canonical == "" {
		return models.Tick{}, fmt.Errorf("unparseable coinone pair %q/%q", raw.TargetCurrency, raw.QuoteCurrency)
	}

	price, err := parseFloat("last", raw.Last)
	if err != nil {
		return models.Tick{}, err
	}
	first, err := parseFloat("first", raw.First)
	if err != nil {
		return models.Tick{}, err
	}
	volume, err := parseFloat("target_volume", raw.TargetVolume)
	if err != nil {
		return models.Tick{}, err
	}

	// Coinone reports no change field; derive it from the 24h open.
	change := 0.0
	if first != 0 {
		change = (price - first) / first * 100
	}

	tick := models.Tick{
		Exchange:         models.ExchangeCoinone,
		Symbol:           canonical,
		Price:            price,
		Volume24h:        volume,
		VolumeUnit:       models.VolumeUnitBase,
		ChangePercent24h: change,
		Currency:         symbols.QuoteCurrency(canonical),
		ObservedAt:       msg.ReceivedAt,
	}
	if raw.Timestamp > 0 {
		tick.SourceTimestamp = time.UnixMilli(raw.Timestamp)
	}
	return tick, nil
}

type gateTicker struct {
	CurrencyPair     string `json:"currency_pair"`
	Last             string `json:"last"`
	BaseVolume       string `json:"base_volume"`
	ChangePercentage string `json:"change_percentage"`
}

func normalizeGate(msg models.RawTickerMessage) (models.Tick, error) {
	var raw gateTicker
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		return models.Tick{}, fmt.Errorf("decode gate ticker: %w", err)
	}

	canonical := symbols.Canonical(models.ExchangeGate, raw.CurrencyPair)
	if canonical == "" {
		return models.Tick{}, fmt.Errorf("unparseable gate pair %q", raw.CurrencyPair)
	}

	price, err := parseFloat("last", raw.Last)
	if err != nil {
		return models.Tick{}, err
	}
	volume, err := parseFloat("base_volume", raw.BaseVolume)
	if err != nil {
		return models.Tick{}, err
	}
	// change_percentage is already expressed in percentage points.
	change, err := parseFloat("change_percentage", raw.ChangePercentage)
	if err != nil {
		return models.Tick{}, err
	}

	return models.Tick{
		Exchange:         models.ExchangeGate,
		Symbol:           canonical,
		Price:            price,
		Volume24h:        volume,
		VolumeUnit:       models.VolumeUnitBase,
		ChangePercent24h: change,
		Currency:         symbols.QuoteCurrency(canonical),
		ObservedAt:       msg.ReceivedAt,
	}, nil
}

func parseFloat(field, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, value, err)
	}
	return f, nil
}
