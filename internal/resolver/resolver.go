package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/andrsolo/numgate/internal/database"
)

// RuleSource loads provider whitelist rules, normally database.Store.
type RuleSource interface {
	ActiveIPRules(ctx context.Context) ([]database.IPRule, error)
}

type rule struct {
	providerID int32
	net        *net.IPNet
}

// Resolver answers two questions about an inbound SMPP peer: is this address
// allowed to connect, and which provider does it belong to. Database rules
// are kept in a snapshot refreshed by a background worker; static rules from
// the environment never expire.
type Resolver struct {
	source         RuleSource
	static         []*net.IPNet
	allowLocalhost bool
	logger         *slog.Logger

	mu sync.RWMutex
	db []rule
}

// New builds a resolver from static CIDR strings. Bare addresses are
// treated as single-host networks. Invalid entries are skipped with a log
// line rather than failing startup.
func New(source RuleSource, staticCIDRs []string, allowLocalhost bool, logger *slog.Logger) *Resolver {
	r := &Resolver{source: source, allowLocalhost: allowLocalhost, logger: logger}
	for _, raw := range staticCIDRs {
		n, err := parseCIDR(raw)
		if err != nil {
			logger.Warn("skipping invalid whitelist entry", "entry", raw, "error", err)
			continue
		}
		r.static = append(r.static, n)
	}
	return r
}

func parseCIDR(raw string) (*net.IPNet, error) {
	if !strings.Contains(raw, "/") {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("not an IP address: %q", raw)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, n, err := net.ParseCIDR(raw)
	return n, err
}

// Refresh reloads provider rules from the database. On error the previous
// snapshot stays in effect.
func (r *Resolver) Refresh(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	rows, err := r.source.ActiveIPRules(ctx)
	if err != nil {
		return fmt.Errorf("load ip rules: %w", err)
	}

	rules := make([]rule, 0, len(rows))
	for _, row := range rows {
		n, err := parseCIDR(row.CIDR)
		if err != nil {
			r.logger.Warn("skipping invalid provider rule",
				"provider_id", row.ProviderID, "cidr", row.CIDR, "error", err)
			continue
		}
		rules = append(rules, rule{providerID: row.ProviderID, net: n})
	}

	r.mu.Lock()
	r.db = rules
	r.mu.Unlock()
	return nil
}

// Allowed reports whether the peer address may open an SMPP session.
func (r *Resolver) Allowed(ip net.IP) bool {
	if r.allowLocalhost && ip.IsLoopback() {
		return true
	}
	for _, n := range r.static {
		if n.Contains(ip) {
			return true
		}
	}
	_, ok := r.ProviderFor(ip)
	return ok
}

// ProviderFor attributes the address to a provider. The most specific
// matching rule wins, so an /32 override beats a broad provider block.
func (r *Resolver) ProviderFor(ip net.IP) (int32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := -1
	var id int32
	for _, rl := range r.db {
		if !rl.net.Contains(ip) {
			continue
		}
		if ones, _ := rl.net.Mask.Size(); ones > best {
			best = ones
			id = rl.providerID
		}
	}
	return id, best >= 0
}
