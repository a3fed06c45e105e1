package router

import (
	"net/netip"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// PendingTTL bounds how long a client waits in the pending set for its
// first upstream reply.
const PendingTTL = 10 * time.Second

// A pending entry is keyed "upstreamIP|clientAddrPort" so one cache serves
// every upstream; the cache janitor sweeps expired entries, which replaces
// spawning a timer task per insertion.
func pendingKey(upstreamIP netip.Addr, client netip.AddrPort) string {
	return upstreamIP.String() + "|" + client.String()
}

// PendingAdd inserts client into the pending set for upstreamIP. Returns
// true iff the client was newly inserted; re-adding an existing client is
// a no-op and does not re-arm its TTL.
func (r *Router) PendingAdd(upstreamIP netip.Addr, client netip.AddrPort) bool {
	return r.pending.Add(pendingKey(upstreamIP, client), client, cache.DefaultExpiration) == nil
}

// PendingTake removes and returns every live pending client for upstreamIP.
func (r *Router) PendingTake(upstreamIP netip.Addr) []netip.AddrPort {
	prefix := upstreamIP.String() + "|"
	var clients []netip.AddrPort
	for key, item := range r.pending.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		clients = append(clients, item.Object.(netip.AddrPort))
		r.pending.Delete(key)
	}
	return clients
}

// PendingExpire removes a single client from the pending set early.
// No-op when the entry is absent or already swept.
func (r *Router) PendingExpire(upstreamIP netip.Addr, client netip.AddrPort) {
	r.pending.Delete(pendingKey(upstreamIP, client))
}
