package symbols

import (
	"strings"

	"tickerflow/models"
)

// Canonical converts an exchange-native instrument identifier into the
// canonical "BASE/QUOTE" form used throughout the pipeline.
//
//	okx     BTC-USDT  -> BTC/USDT
//	upbit   KRW-BTC   -> BTC/KRW   (upbit puts the quote first)
//	coinone btc + KRW -> BTC/KRW
//	gate    BTC_USDT  -> BTC/USDT
//
// An empty string is returned when the identifier cannot be interpreted.
func Canonical(exchange models.Exchange, sym string) string {
	sym = strings.TrimSpace(sym)
	if sym == "" {
		return ""
	}

	switch exchange {
	case models.ExchangeOKX:
		base, quote, ok := splitPair(sym, "-")
		if !ok {
			return ""
		}
		return base + "/" + quote
	case models.ExchangeUpbit:
		quote, base, ok := splitPair(sym, "-")
		if !ok {
			return ""
		}
		return base + "/" + quote
	case models.ExchangeGate:
		base, quote, ok := splitPair(sym, "_")
		if !ok {
			return ""
		}
		return base + "/" + quote
	case models.ExchangeCoinone:
		// Coinone reports only the base currency; the quote is implied
		// by the queried market and must be joined by the caller via
		// CanonicalPair.
		return strings.ToUpper(sym)
	}
	return ""
}

// CanonicalPair joins an explicit base and quote currency.
func CanonicalPair(base, quote string) string {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if base == "" || quote == "" {
		return ""
	}
	return base + "/" + quote
}

// QuoteCurrency extracts the quote leg of a canonical symbol, mapping
// stablecoin quotes to their fiat tag (USDT/USDC -> USD).
func QuoteCurrency(canonical string) string {
	i := strings.IndexByte(canonical, '/')
	if i < 0 || i == len(canonical)-1 {
		return ""
	}
	quote := canonical[i+1:]
	switch quote {
	case "USDT", "USDC":
		return "USD"
	default:
		return quote
	}
}

func splitPair(sym, sep string) (string, string, bool) {
	parts := strings.Split(strings.ToUpper(sym), sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
