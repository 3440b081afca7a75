// Package dnscache memoizes address resolution for transports that need to
// turn a non-numeric host into an IP before dialing or binding. Owned by
// the RPC core and shared read-mostly across transports.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"time"

	cache "github.com/patrickmn/go-cache"
)

const (
	defaultTTL             = 1 * time.Minute
	defaultCleanupInterval = 2 * time.Minute
)

// Cache wraps a net.Resolver with a TTL-bounded lookup cache.
type Cache struct {
	resolver *net.Resolver
	c        *cache.Cache
}

// New builds a DNS cache with entries expiring after ttl (defaultTTL, one
// minute, if ttl <= 0).
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		resolver: net.DefaultResolver,
		c:        cache.New(ttl, defaultCleanupInterval),
	}
}

// Lookup resolves host to its first A/AAAA result, unless host is already a
// numeric address, in which case it's returned unchanged. Fails if the
// resolver returns no addresses.
func (c *Cache) Lookup(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	if v, ok := c.c.Get(host); ok {
		return v.(string), nil
	}

	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("dnscache: lookup %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("dnscache: lookup %q: no addresses", host)
	}

	c.c.SetDefault(host, addrs[0])
	return addrs[0], nil
}
