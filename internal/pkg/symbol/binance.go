package symbol

type BinanceConverter struct{}

func (BinanceConverter) ToExchange(internal string) string {
	sym := Parse(internal)
	if !sym.Valid() {
		return ""
	}
	return sym.Base + sym.Quote
}

func (BinanceConverter) Format() Format {
	return FormatBinance
}

var Binance = BinanceConverter{}
