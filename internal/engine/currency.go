package engine

// ISO 4217 numeric codes and minor-unit exponents for the currencies the
// ledger accepts. The numeric code becomes the engine account/transfer Code
// so transfers are queryable by currency inside the engine.
var currencies = map[string]struct {
	Numeric  uint16
	Exponent int32
}{
	"AED": {784, 2},
	"AUD": {36, 2},
	"BRL": {986, 2},
	"CAD": {124, 2},
	"CHF": {756, 2},
	"CLP": {152, 0},
	"CNY": {156, 2},
	"COP": {170, 2},
	"EUR": {978, 2},
	"GBP": {826, 2},
	"HKD": {344, 2},
	"IDR": {360, 2},
	"INR": {356, 2},
	"JPY": {392, 0},
	"KRW": {410, 0},
	"KWD": {414, 3},
	"MXN": {484, 2},
	"NGN": {566, 2},
	"NZD": {554, 2},
	"PHP": {608, 2},
	"SEK": {752, 2},
	"SGD": {702, 2},
	"THB": {764, 2},
	"USD": {840, 2},
	"ZAR": {710, 2},
}

// CurrencyNumericCode returns the ISO 4217 numeric code for an alpha code.
func CurrencyNumericCode(code string) (uint16, bool) {
	c, ok := currencies[code]
	return c.Numeric, ok
}

// CurrencyExponent returns the ISO 4217 minor-unit exponent for an alpha code.
func CurrencyExponent(code string) (int32, bool) {
	c, ok := currencies[code]
	return c.Exponent, ok
}
