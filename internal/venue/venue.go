// Package venue holds the venue catalog, canonical symbol registry and
// symbol discovery. Venues are immutable after catalog load; the registry
// owns all CanonicalSymbol instances.
package venue

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MarketType distinguishes the spot and perpetual-futures books of a venue.
type MarketType string

const (
	Spot    MarketType = "spot"
	Futures MarketType = "futures"
)

// Valid reports whether m is a known market type.
func (m MarketType) Valid() bool { return m == Spot || m == Futures }

// Venue describes one exchange endpoint set plus its connection budget
// hints. Immutable after catalog load.
type Venue struct {
	Name       string     `yaml:"name"`
	Market     MarketType `yaml:"market"`
	StreamURL  string     `yaml:"stream_url"`
	RESTURL    string     `yaml:"rest_url"`
	MaxStreams int        `yaml:"max_streams_per_conn"`
	MaxConns   int        `yaml:"max_conns_per_egress"` // per 5-minute window
	Enabled    bool       `yaml:"enabled"`
}

// Catalog is the set of configured venues keyed by (name, market).
type Catalog struct {
	venues map[string]Venue
}

type catalogFile struct {
	Venues []Venue `yaml:"venues"`
}

// LoadCatalog reads the YAML venue catalog and validates each entry.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venue catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse venue catalog: %w", err)
	}

	c := &Catalog{venues: make(map[string]Venue, len(f.Venues))}
	for _, v := range f.Venues {
		if v.Name == "" || !v.Market.Valid() {
			return nil, fmt.Errorf("venue entry missing name or market: %+v", v)
		}
		if v.StreamURL == "" || v.RESTURL == "" {
			return nil, fmt.Errorf("venue %s/%s missing endpoints", v.Name, v.Market)
		}
		if v.MaxStreams <= 0 {
			return nil, fmt.Errorf("venue %s/%s: max_streams_per_conn must be positive", v.Name, v.Market)
		}
		if v.MaxConns <= 0 {
			v.MaxConns = 280
		}
		key := venueKey(v.Name, v.Market)
		if _, dup := c.venues[key]; dup {
			return nil, fmt.Errorf("duplicate venue entry %s/%s", v.Name, v.Market)
		}
		c.venues[key] = v
	}
	if len(c.venues) == 0 {
		return nil, fmt.Errorf("venue catalog is empty")
	}
	return c, nil
}

// Get returns the venue for (name, market), ok false when unknown.
func (c *Catalog) Get(name string, market MarketType) (Venue, bool) {
	v, ok := c.venues[venueKey(name, market)]
	return v, ok
}

// Enabled returns all enabled venues in unspecified order.
func (c *Catalog) Enabled() []Venue {
	out := make([]Venue, 0, len(c.venues))
	for _, v := range c.venues {
		if v.Enabled {
			out = append(out, v)
		}
	}
	return out
}

func venueKey(name string, market MarketType) string {
	return name + ":" + string(market)
}
