package proxy

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"syscall"

	"mcroute/internal/flog"
	"mcroute/internal/pkg/buffer"
	"mcroute/internal/router"
)

// UDPProxy relays datagrams for the sessions negotiated over TCP. A single
// socket serves both directions; each datagram is classified against the
// router's maps and the first matching rule consumes it:
//
//  1. exact client match: forward to the mapped upstream
//  2. reply from an upstream with exact clients: fan out to them, then
//     promote any pending clients for that IP
//  3. reply from an upstream with only pending clients: promote and forward
//  4. hinted client: fan out to every upstream UDP endpoint on the hinted
//     IP, preserving the client's source port, and mark the client pending
//  5. drop
type UDPProxy struct {
	sock   *net.UDPConn
	router *router.Router
}

func NewUDP(sock *net.UDPConn, rt *router.Router) *UDPProxy {
	return &UDPProxy{sock: sock, router: rt}
}

func (p *UDPProxy) Run(ctx context.Context) error {
	p.sock.SetReadBuffer(8 * 1024 * 1024)
	p.sock.SetWriteBuffer(8 * 1024 * 1024)
	go func() {
		<-ctx.Done()
		p.sock.Close()
	}()

	bufp := buffer.UPool.Get().(*[]byte)
	defer buffer.UPool.Put(bufp)
	buf := *bufp

	for {
		n, src, err := p.sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			flog.Errorf("udp read: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
		p.dispatch(src, buf[:n])
	}
}

func (p *UDPProxy) dispatch(src netip.AddrPort, data []byte) {
	// 1) exact client match
	if upstream, ok := p.router.LookupExact(src); ok {
		p.send(data, upstream, src)
		return
	}

	// 2) reply from an upstream already serving exact clients
	if clients := p.router.ClientsForUpstream(src); len(clients) > 0 {
		slices.SortFunc(clients, func(a, b netip.AddrPort) int {
			if c := a.Addr().Compare(b.Addr()); c != 0 {
				return c
			}
			return cmp.Compare(a.Port(), b.Port())
		})
		clients = slices.Compact(clients)
		flog.Debugf("udp reply from %s to %d client(s)", src, len(clients))
		for _, client := range clients {
			p.send(data, client, client)
		}
		for _, client := range p.router.PendingTake(src.Addr()) {
			p.router.RegisterExact(client, src)
		}
		return
	}

	// 3) first reply from an upstream with pending clients
	if pending := p.router.PendingTake(src.Addr()); len(pending) > 0 {
		flog.Debugf("udp first reply from %s promotes %d pending client(s)", src, len(pending))
		for _, client := range pending {
			p.router.RegisterExact(client, src)
			p.send(data, client, client)
		}
		return
	}

	// 4) hinted client's first datagram
	if upstreamIP, ok := p.router.LookupIPHint(src.Addr()); ok {
		addrs := p.router.UpstreamUDPAddrsForIP(upstreamIP)
		if len(addrs) == 0 {
			flog.Debugf("no upstream udp endpoints on %s for hinted client %s", upstreamIP, src)
			return
		}
		p.fanOut(src, upstreamIP, addrs, data)
		return
	}

	// 5) drop
	flog.Debugf("no mapping for %s, dropping %d bytes", src, len(data))
}

// send forwards a datagram from the main socket. A ConnectionReset means
// the mapped peer is gone, so the implicated exact entry is removed before
// the next datagram is dispatched.
func (p *UDPProxy) send(data []byte, dst netip.AddrPort, mapped netip.AddrPort) {
	if _, err := p.sock.WriteToUDPAddrPort(data, dst); err != nil {
		flog.Errorf("udp send to %s: %v", dst, err)
		if errors.Is(err, syscall.ECONNRESET) {
			p.router.UnregisterExact(mapped)
		}
	}
}

// fanOut delivers a hinted client's datagram to every upstream endpoint on
// the hinted IP. Each send binds a transient socket to the client's source
// port so the upstream sees the port it will correlate with the TCP
// session, falling back to the main socket when the bind fails. The client
// then joins the pending set so the first upstream reply can establish its
// exact mapping.
func (p *UDPProxy) fanOut(src netip.AddrPort, upstreamIP netip.Addr, addrs []netip.AddrPort, data []byte) {
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: int(src.Port())}
	for _, addr := range addrs {
		tmp, err := net.ListenUDP("udp", laddr)
		if err != nil {
			flog.Warnf("bind 0.0.0.0:%d failed (%v), sending to %s from main socket", src.Port(), err, addr)
			if _, err := p.sock.WriteToUDPAddrPort(data, addr); err != nil {
				flog.Errorf("udp send to %s: %v", addr, err)
			}
			continue
		}
		if _, err := tmp.WriteToUDPAddrPort(data, addr); err != nil {
			flog.Errorf("udp send to %s from port %d: %v", addr, src.Port(), err)
		}
		tmp.Close()
	}

	if p.router.PendingAdd(upstreamIP, src) {
		flog.Debugf("client %s pending on upstream %s", src, upstreamIP)
	}
}
