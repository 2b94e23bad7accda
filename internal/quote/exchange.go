package quote

import (
	"regexp"
	"strings"
)

// InstrumentKind tells domestic listings from foreign ones
type InstrumentKind int

const (
	Domestic InstrumentKind = iota
	Foreign
)

func (k InstrumentKind) String() string {
	if k == Domestic {
		return "domestic"
	}
	return "foreign"
}

// DomesticExchange is the exchange code recorded for domestic listings
const DomesticExchange = "KRX"

var domesticTicker = regexp.MustCompile(`^\d{6}$`)

// Kind classifies a ticker by shape: six digits are a domestic listing,
// anything else is foreign.
func Kind(ticker string) InstrumentKind {
	if domesticTicker.MatchString(strings.TrimSpace(ticker)) {
		return Domestic
	}
	return Foreign
}

// exchangeBySymbol lists foreign tickers that do not trade on the default exchange
var exchangeBySymbol = map[string]string{
	// NYSE
	"BRK.A": "NYS", "BRK.B": "NYS", "JPM": "NYS", "V": "NYS", "MA": "NYS",
	"JNJ": "NYS", "WMT": "NYS", "PG": "NYS", "XOM": "NYS", "CVX": "NYS",
	"KO": "NYS", "DIS": "NYS", "BA": "NYS", "IBM": "NYS", "GS": "NYS",
	"UNH": "NYS", "HD": "NYS", "BAC": "NYS", "NKE": "NYS", "MCD": "NYS",
	"T": "NYS", "VZ": "NYS", "PFE": "NYS", "MRK": "NYS", "ORCL": "NYS",
	"TSM": "NYS", "BABA": "NYS", "UBER": "NYS", "SNOW": "NYS", "PLTR": "NYS",
	"F": "NYS", "GM": "NYS", "C": "NYS", "WFC": "NYS", "LLY": "NYS",
	// NYSE American
	"SPY": "AMS", "GLD": "AMS", "SLV": "AMS", "IWM": "AMS", "DIA": "AMS",
	"SOXL": "AMS", "XLK": "AMS", "XLF": "AMS", "VOO": "AMS", "ARKK": "AMS",
}

var currencyByExchange = map[string]string{
	DomesticExchange: "KRW",
	"NAS":            "USD",
	"NYS":            "USD",
	"AMS":            "USD",
	"HKS":            "HKD",
	"TSE":            "JPY",
	"SHS":            "CNY",
	"SZS":            "CNY",
	"HSX":            "VND",
	"HNX":            "VND",
}

// DetectExchange resolves the exchange code for a ticker. Domestic tickers
// map to KRX; known foreign symbols use the lookup table; everything else
// falls back to def.
func DetectExchange(ticker, def string) string {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if Kind(ticker) == Domestic {
		return DomesticExchange
	}
	if strings.HasSuffix(ticker, ".HK") {
		return "HKS"
	}
	if ex, ok := exchangeBySymbol[ticker]; ok {
		return ex
	}
	return strings.ToUpper(def)
}

// CurrencyFor returns the currency an exchange quotes in, or def when unknown
func CurrencyFor(exchange, def string) string {
	if c, ok := currencyByExchange[strings.ToUpper(exchange)]; ok {
		return c
	}
	return def
}

// upstreamSymbol strips listing suffixes the upstream does not accept
func upstreamSymbol(ticker string) string {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	ticker = strings.TrimSuffix(ticker, ".HK")
	return strings.ReplaceAll(ticker, ".", "/")
}
