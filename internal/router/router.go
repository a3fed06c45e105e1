package router

import (
	"net/netip"
	"sync"
	"time"

	"mcroute/internal/flog"

	"github.com/patrickmn/go-cache"
)

// Route pairs a name with the TCP and UDP endpoints of one upstream host.
// Routes are immutable once inserted; a valid config keeps both endpoints
// on the same upstream IP.
type Route struct {
	Name string
	TCP  netip.AddrPort
	UDP  netip.AddrPort
}

// Router is the shared routing state: the name→Route table written by the
// config loader, the exact client↔upstream UDP mappings, the client-IP→
// upstream-IP hints, and the pending clients awaiting a first upstream
// reply. Each map sits under its own guard; hold times are single map
// operations so the relay loop never convoys behind a worker.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Route

	exactMu sync.Mutex
	exact   map[netip.AddrPort]netip.AddrPort

	hintMu sync.Mutex
	hints  map[netip.Addr]netip.Addr

	pending *cache.Cache
}

func New() *Router {
	return newWithPendingTTL(PendingTTL)
}

func newWithPendingTTL(ttl time.Duration) *Router {
	return &Router{
		routes:  make(map[string]Route),
		exact:   make(map[netip.AddrPort]netip.AddrPort),
		hints:   make(map[netip.Addr]netip.Addr),
		pending: cache.New(ttl, time.Second),
	}
}

// Insert adds or overwrites a route.
func (r *Router) Insert(rt Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[rt.Name] = rt
}

// Lookup returns the route registered under name.
func (r *Router) Lookup(name string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[name]
	return rt, ok
}

// Remove deletes and returns the route registered under name.
func (r *Router) Remove(name string) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[name]
	if ok {
		delete(r.routes, name)
	}
	return rt, ok
}

// Snapshot returns a full copy of the route table for reconciliation.
func (r *Router) Snapshot() map[string]Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Route, len(r.routes))
	for name, rt := range r.routes {
		out[name] = rt
	}
	return out
}

// UpstreamUDPAddrsForIP returns the UDP endpoint of every route whose
// upstream IP equals ip. Used by the relay to fan a first datagram out
// when only the upstream IP is known.
func (r *Router) UpstreamUDPAddrsForIP(ip netip.Addr) []netip.AddrPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var addrs []netip.AddrPort
	for _, rt := range r.routes {
		if rt.UDP.IsValid() && rt.UDP.Addr() == ip {
			addrs = append(addrs, rt.UDP)
		}
	}
	return addrs
}

// RegisterExact records the client socket → upstream socket mapping.
func (r *Router) RegisterExact(client, upstream netip.AddrPort) {
	r.exactMu.Lock()
	r.exact[client] = upstream
	r.exactMu.Unlock()
	flog.Debugf("register udp mapping %s -> %s", client, upstream)
}

// UnregisterExact drops the client's mapping if present.
func (r *Router) UnregisterExact(client netip.AddrPort) {
	r.exactMu.Lock()
	_, ok := r.exact[client]
	if ok {
		delete(r.exact, client)
	}
	r.exactMu.Unlock()
	if ok {
		flog.Debugf("unregister udp mapping %s", client)
	}
}

// LookupExact returns the upstream socket mapped to the client socket.
func (r *Router) LookupExact(client netip.AddrPort) (netip.AddrPort, bool) {
	r.exactMu.Lock()
	defer r.exactMu.Unlock()
	up, ok := r.exact[client]
	return up, ok
}

// ClientsForUpstream returns every client mapped to the given upstream
// socket. Linear in the number of sessions; fine for the session counts
// this proxy serves.
func (r *Router) ClientsForUpstream(upstream netip.AddrPort) []netip.AddrPort {
	r.exactMu.Lock()
	defer r.exactMu.Unlock()
	var clients []netip.AddrPort
	for client, up := range r.exact {
		if up == upstream {
			clients = append(clients, client)
		}
	}
	return clients
}

// RegisterIPHint records client IP → upstream IP, overwriting any prior
// hint. Hints never expire.
func (r *Router) RegisterIPHint(clientIP, upstreamIP netip.Addr) {
	r.hintMu.Lock()
	r.hints[clientIP] = upstreamIP
	r.hintMu.Unlock()
	flog.Debugf("register udp ip hint %s -> %s", clientIP, upstreamIP)
}

// LookupIPHint returns the upstream IP hinted for the client IP.
func (r *Router) LookupIPHint(clientIP netip.Addr) (netip.Addr, bool) {
	r.hintMu.Lock()
	defer r.hintMu.Unlock()
	up, ok := r.hints[clientIP]
	return up, ok
}
