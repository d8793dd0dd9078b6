package symbol

import "strings"

// CryptoCompare 使用 fsym/tsym 两段式写法，例如 BTC/USD。
type CryptoCompareConverter struct{}

func (CryptoCompareConverter) ToExchange(internal string) string {
	sym := Parse(internal)
	if !sym.Valid() {
		return ""
	}
	return sym.Base + "/" + fiatQuote(sym.Quote)
}

func (CryptoCompareConverter) Format() Format { return FormatCryptoCompare }

// Pair 拆分为 fsym, tsym。
func (c CryptoCompareConverter) Pair(internal string) (string, string) {
	parts := strings.SplitN(c.ToExchange(internal), "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

var CryptoCompare = CryptoCompareConverter{}

// CoinGecko 按 coin id 查询，报价货币用小写法币代码。
type CoinGeckoConverter struct {
	IDs map[string]string
}

var defaultCoinGeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"BNB":  "binancecoin",
	"SOL":  "solana",
	"XRP":  "ripple",
	"ADA":  "cardano",
	"DOGE": "dogecoin",
	"DOT":  "polkadot",
	"LTC":  "litecoin",
	"LINK": "chainlink",
	"AVAX": "avalanche-2",
	"TRX":  "tron",
}

func NewCoinGeckoConverter(extra map[string]string) CoinGeckoConverter {
	ids := make(map[string]string, len(defaultCoinGeckoIDs)+len(extra))
	for k, v := range defaultCoinGeckoIDs {
		ids[k] = v
	}
	for k, v := range extra {
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToLower(strings.TrimSpace(v))
		if k != "" && v != "" {
			ids[k] = v
		}
	}
	return CoinGeckoConverter{IDs: ids}
}

func (c CoinGeckoConverter) ToExchange(internal string) string {
	id, vs := c.Pair(internal)
	if id == "" {
		return ""
	}
	return id + "/" + vs
}

func (CoinGeckoConverter) Format() Format { return FormatCoinGecko }

// Pair 返回 coin id 与 vs_currency；未知币种返回空串。
func (c CoinGeckoConverter) Pair(internal string) (string, string) {
	sym := Parse(internal)
	if !sym.Valid() {
		return "", ""
	}
	id := c.IDs[sym.Base]
	if id == "" {
		return "", ""
	}
	return id, strings.ToLower(fiatQuote(sym.Quote))
}

// Polygon 加密货币 ticker 形如 X:BTCUSD。
type PolygonConverter struct{}

func (PolygonConverter) ToExchange(internal string) string {
	sym := Parse(internal)
	if !sym.Valid() {
		return ""
	}
	return "X:" + sym.Base + fiatQuote(sym.Quote)
}

func (PolygonConverter) Format() Format { return FormatPolygon }

var Polygon = PolygonConverter{}
