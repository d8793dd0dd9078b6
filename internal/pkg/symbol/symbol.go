package symbol

import (
	"strings"
)

type Format string

const (
	FormatInternal      Format = "internal"
	FormatBinance       Format = "binance"
	FormatGate          Format = "gate"
	FormatCryptoCompare Format = "cryptocompare"
	FormatCoinGecko     Format = "coingecko"
	FormatPolygon       Format = "polygon"
)

// Converter 把内部符号（BASE/QUOTE）映射为各数据源的写法。
// 返回空串表示该数据源不支持此符号。
type Converter interface {
	ToExchange(internal string) string

	Format() Format
}

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

func (s Symbol) Valid() bool {
	return s.Base != "" && s.Quote != ""
}

func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	for _, sep := range []string{"/", "_", "-"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Symbol{
				Base:  strings.TrimSpace(parts[0]),
				Quote: strings.TrimSpace(parts[1]),
			}
		}
	}

	quoteCurrencies := []string{"USDT", "BUSD", "USDC", "TUSD", "USD", "EUR", "BTC", "ETH", "BNB"}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
			}
		}
	}

	return Symbol{}
}

func Normalize(s string) string {
	return Parse(s).Internal()
}

func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func IsValid(s string) bool {
	return Parse(s).Valid()
}

// fiatQuote 把稳定币报价折算成法币报价，供只支持法币计价的数据源使用。
func fiatQuote(quote string) string {
	switch quote {
	case "USDT", "USDC", "BUSD", "TUSD", "USD":
		return "USD"
	default:
		return quote
	}
}
