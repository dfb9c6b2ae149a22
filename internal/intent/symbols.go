package intent

import "strings"

// SymbolTable resolves tickers and spoken aliases to known symbols.
// The parser rejects anything it cannot resolve, so the table doubles as
// the validation whitelist for voice-originated trades.
type SymbolTable struct {
	symbols map[string]struct{}
	aliases map[string]string
}

// NewSymbolTable builds a table from known symbols and an alias map
// (spoken name, lower case, to symbol).
func NewSymbolTable(symbols []string, aliases map[string]string) *SymbolTable {
	t := &SymbolTable{
		symbols: make(map[string]struct{}, len(symbols)),
		aliases: make(map[string]string, len(aliases)),
	}
	for _, s := range symbols {
		t.symbols[strings.ToUpper(s)] = struct{}{}
	}
	for spoken, sym := range aliases {
		t.aliases[strings.ToLower(spoken)] = strings.ToUpper(sym)
	}
	return t
}

// DefaultSymbolTable covers the liquid names a caller is likely to trade by
// voice, with the spoken-name aliases speech recognition tends to produce.
func DefaultSymbolTable() *SymbolTable {
	return NewSymbolTable(
		[]string{
			"AAPL", "MSFT", "GOOGL", "AMZN", "META", "NVDA", "TSLA", "AMD",
			"NFLX", "INTC", "DIS", "BA", "JPM", "GS", "V", "KO", "PEP",
			"WMT", "XOM", "CVX", "PFE", "JNJ", "UNH", "T", "VZ", "F", "GM",
		},
		map[string]string{
			"apple":      "AAPL",
			"microsoft":  "MSFT",
			"google":     "GOOGL",
			"alphabet":   "GOOGL",
			"amazon":     "AMZN",
			"meta":       "META",
			"facebook":   "META",
			"nvidia":     "NVDA",
			"tesla":      "TSLA",
			"netflix":    "NFLX",
			"intel":      "INTC",
			"disney":     "DIS",
			"boeing":     "BA",
			"walmart":    "WMT",
			"exxon":      "XOM",
			"chevron":    "CVX",
			"pfizer":     "PFE",
			"ford":       "F",
			"coca cola":  "KO",
			"coca-cola":  "KO",
			"pepsi":      "PEP",
			"visa":       "V",
			"verizon":    "VZ",
		},
	)
}

// Resolve maps a ticker or spoken alias to a known symbol.
func (t *SymbolTable) Resolve(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if sym, ok := t.aliases[strings.ToLower(s)]; ok {
		return sym, true
	}
	upper := strings.ToUpper(s)
	if _, ok := t.symbols[upper]; ok {
		return upper, true
	}
	return "", false
}

// Aliases returns the spoken-name map, used as parser context for the model.
func (t *SymbolTable) Aliases() map[string]string {
	out := make(map[string]string, len(t.aliases))
	for k, v := range t.aliases {
		out[k] = v
	}
	return out
}
