package venue

import (
	"fmt"
	"strings"
	"sync"
)

// CanonicalSymbol is a (base, quote) pair. (Base, Quote) is the primary key;
// display and wire forms are derived.
type CanonicalSymbol struct {
	Base  string
	Quote string
}

// Display returns the human form, e.g. "BTC/USDT".
func (s CanonicalSymbol) Display() string { return s.Base + "/" + s.Quote }

// String returns the compact form used in alert keys and logs.
func (s CanonicalSymbol) String() string { return s.Base + s.Quote }

// knownQuotes is the quote-asset suffix set used for greedy splitting of
// wire symbols without a separator. Order does not matter; splitting picks
// the longest matching suffix.
var knownQuotes = []string{
	"USDT", "USDC", "USDE", "USD1", "TUSD", "BUSD", "FDUSD",
	"BTC", "ETH", "BNB", "EUR", "TRY", "USD",
}

// stableQuotes are the quote assets treated as interchangeable when
// auto-conversion is enabled. All map to USDT for matching purposes.
var stableQuotes = map[string]bool{
	"USDT": true, "USDC": true, "USDE": true, "USD1": true,
	"TUSD": true, "BUSD": true, "FDUSD": true,
}

// Registry owns all canonical symbols and the per-venue wire mappings.
// Safe for concurrent use.
type Registry struct {
	autoConvertStable bool

	mu      sync.RWMutex
	symbols map[CanonicalSymbol]struct{}
}

// NewRegistry creates a registry. With autoConvertStable, stablecoin quotes
// normalize to USDT so cross-venue matching lines up.
func NewRegistry(autoConvertStable bool) *Registry {
	return &Registry{
		autoConvertStable: autoConvertStable,
		symbols:           make(map[CanonicalSymbol]struct{}),
	}
}

// Normalize parses an arbitrary symbol string ("btc/usdt", "BTC-USDT",
// "BTCUSDT") into canonical form. Separator-less strings are split by greedy
// longest-suffix match against the known quote set.
func (r *Registry) Normalize(s string) (CanonicalSymbol, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return CanonicalSymbol{}, fmt.Errorf("empty symbol")
	}

	var base, quote string
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i > 0 {
			base, quote = s[:i], s[i+len(sep):]
			break
		}
	}
	if base == "" {
		base, quote = splitBySuffix(s)
	}
	if base == "" || quote == "" {
		return CanonicalSymbol{}, fmt.Errorf("cannot split symbol %q", s)
	}

	if r.autoConvertStable && stableQuotes[quote] {
		quote = "USDT"
	}
	return CanonicalSymbol{Base: base, Quote: quote}, nil
}

// splitBySuffix picks the longest known quote suffix. Returns empty strings
// when nothing matches.
func splitBySuffix(s string) (base, quote string) {
	for _, q := range knownQuotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) && len(q) > len(quote) {
			base, quote = s[:len(s)-len(q)], q
		}
	}
	return base, quote
}

// Register adds a symbol to the registry. Idempotent.
func (r *Registry) Register(sym CanonicalSymbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols[sym] = struct{}{}
}

// Known reports whether the symbol has been registered.
func (r *Registry) Known(sym CanonicalSymbol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.symbols[sym]
	return ok
}

// Count returns the number of registered symbols.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.symbols)
}

// ToWire renders the canonical symbol in the venue's wire form. The venues
// currently cataloged all use concatenated uppercase.
func (r *Registry) ToWire(v Venue, sym CanonicalSymbol) string {
	_ = v
	return sym.Base + sym.Quote
}

// FromWire parses a venue wire symbol into canonical form and registers it.
// ToWire(FromWire(w)) == w holds for every venue-supported symbol when
// stablecoin conversion is off.
func (r *Registry) FromWire(v Venue, wire string) (CanonicalSymbol, error) {
	sym, err := r.Normalize(wire)
	if err != nil {
		return CanonicalSymbol{}, fmt.Errorf("venue %s: %w", v.Name, err)
	}
	r.Register(sym)
	return sym, nil
}
