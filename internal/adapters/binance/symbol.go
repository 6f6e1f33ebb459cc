// Package binance implements the Binance exchange profile: stream naming,
// frame normalization, and adapter construction.
package binance

import "strings"

// quoteAssets lists the quote suffixes preferred when splitting a compact
// exchange symbol into BASE/QUOTE. Order matters: longer stable-coin suffixes
// are tried before the shorter crypto quotes.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "BNB", "USD"}

// CanonicalSymbol converts a compact exchange symbol (BTCUSDT) into the
// canonical slash form (BTC/USDT). On ambiguity it falls back to a 3-letter
// base split. Already-canonical input passes through uppercased.
func CanonicalSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return ""
	}
	if strings.Contains(symbol, "/") {
		return symbol
	}
	for _, quote := range quoteAssets {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "/" + quote
		}
	}
	if len(symbol) > 3 {
		return symbol[:3] + "/" + symbol[3:]
	}
	return symbol
}

// CompactSymbol converts a canonical BASE/QUOTE symbol into the lowercase
// compact form Binance uses in stream names.
func CompactSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ReplaceAll(symbol, "/", "")
	return strings.ToLower(symbol)
}
