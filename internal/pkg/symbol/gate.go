package symbol

type GateConverter struct{}

func (GateConverter) ToExchange(internal string) string {
	sym := Parse(internal)
	if !sym.Valid() {
		return ""
	}
	return sym.Base + "_" + sym.Quote
}

func (GateConverter) Format() Format {
	return FormatGate
}

var Gate = GateConverter{}
