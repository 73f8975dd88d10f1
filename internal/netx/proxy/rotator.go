// Package proxy rotates outbound egress identities so stream dials spread
// across per-IP connection budgets.
package proxy

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Egress is a single outbound identity.
type Egress struct {
	URL      string // scheme://[user:pass@]host:port
	UseCount int
}

// DisplayName returns the egress address with credentials stripped.
func (e Egress) DisplayName() string {
	u, err := url.Parse(e.URL)
	if err != nil || u.Host == "" {
		return e.URL
	}
	return u.Host
}

// Rotator hands out egress identities round-robin. An empty rotator means
// direct connections.
type Rotator struct {
	mu      sync.Mutex
	proxies []Egress
	index   int
}

// NewRotator parses a comma-separated proxy list. Invalid entries are
// rejected so misconfiguration fails at startup rather than at dial time.
func NewRotator(list string) (*Rotator, error) {
	r := &Rotator{}
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy entry %q", sanitize(raw))
		}
		r.proxies = append(r.proxies, Egress{URL: raw})
	}
	if len(r.proxies) == 0 {
		log.Info().Msg("no proxies configured, dialing direct")
	} else {
		log.Info().Int("count", len(r.proxies)).Msg("proxy rotation enabled")
	}
	return r, nil
}

// Next returns the next egress and its display name. ok is false when the
// rotator is empty and the caller should dial direct.
func (r *Rotator) Next() (egress Egress, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) == 0 {
		return Egress{}, false
	}
	p := &r.proxies[r.index]
	p.UseCount++
	r.index = (r.index + 1) % len(r.proxies)
	return *p, true
}

// Count returns the number of configured egress identities.
func (r *Rotator) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// Identities returns the credential-stripped names of all egresses, with
// "direct" standing in for an empty rotator. Used for budget accounting.
func (r *Rotator) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) == 0 {
		return []string{"direct"}
	}
	names := make([]string, len(r.proxies))
	for i, p := range r.proxies {
		names[i] = p.DisplayName()
	}
	return names
}

// sanitize strips anything that looks like credentials before an error is
// logged or returned.
func sanitize(raw string) string {
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		if scheme := strings.Index(raw, "://"); scheme >= 0 {
			return raw[:scheme+3] + "***@" + raw[at+1:]
		}
		return "***@" + raw[at+1:]
	}
	return raw
}
