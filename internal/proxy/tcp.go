package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"mcroute/internal/flog"
	"mcroute/internal/pkg/buffer"
	"mcroute/internal/proto"
	"mcroute/internal/router"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	handshakeReadTimeout = 5 * time.Second

	// Handshake admission bucket: the first packet of each connection is
	// charged against it, streaming bytes are not.
	defaultBytesPerSec = 64 * 1024
	defaultBurstBytes  = 128 * 1024
)

var (
	ErrEmptyPacket   = errors.New("empty handshake packet")
	ErrNoServerAddr  = errors.New("handshake carries no server address")
	ErrEmptyRouteKey = errors.New("empty route key")
	ErrUnknownRoute  = errors.New("unknown route")
	ErrPacketTooBig  = errors.New("packet too large")
	ErrRateLimited   = errors.New("rate limit exceeded")
)

// TCPProxy handles one accepted connection: it reads the first framed
// packet, resolves the route from the embedded server address, registers
// the UDP hints for the session, then splices bytes both ways.
type TCPProxy struct {
	inbound *net.TCPConn
	router  *router.Router
	limiter *rate.Limiter
}

func NewTCP(inbound *net.TCPConn, rt *router.Router) *TCPProxy {
	return &TCPProxy{
		inbound: inbound,
		router:  rt,
		limiter: rate.NewLimiter(rate.Limit(defaultBytesPerSec), defaultBurstBytes),
	}
}

func (p *TCPProxy) Run() error {
	defer p.inbound.Close()
	p.inbound.SetNoDelay(true)

	fullPacket, serverAddr, err := p.readFirstPacket()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if serverAddr == "" {
		return ErrNoServerAddr
	}

	key := proto.RouteKey(serverAddr)
	if key == "" {
		return fmt.Errorf("%w in server address '%s'", ErrEmptyRouteKey, serverAddr)
	}

	route, ok := p.router.Lookup(key)
	if !ok {
		return fmt.Errorf("%w '%s'", ErrUnknownRoute, serverAddr)
	}

	// Hint first, then an eager exact mapping released on every exit path.
	// The exact entry keys on the client's TCP source port; if its UDP
	// source port differs, no client datagram matches it, but the relay's
	// reverse lookup still sends upstream replies to that address.
	if client, ok := peerAddr(p.inbound); ok && route.UDP.IsValid() {
		p.router.RegisterIPHint(client.Addr(), route.UDP.Addr())
		p.router.RegisterExact(client, route.UDP)
		defer p.router.UnregisterExact(client)
	}

	if !p.limiter.AllowN(time.Now(), len(fullPacket)) {
		return ErrRateLimited
	}

	outbound, err := net.Dial("tcp", route.TCP.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", route.TCP, err)
	}
	out := outbound.(*net.TCPConn)
	defer out.Close()
	out.SetNoDelay(true)

	if _, err := out.Write(fullPacket); err != nil {
		return fmt.Errorf("forward handshake to %s: %w", route.TCP, err)
	}

	flog.Infof("%s connected to '%s' via %s", p.inbound.RemoteAddr(), serverAddr, route.TCP)

	var g errgroup.Group
	g.Go(func() error { return splice(out, p.inbound) })
	g.Go(func() error { return splice(p.inbound, out) })
	return g.Wait()
}

// splice copies src to dst until EOF, then half-closes dst so the peer
// sees the end of that direction.
func splice(dst, src *net.TCPConn) error {
	bufp := buffer.TPool.Get().(*[]byte)
	defer buffer.TPool.Put(bufp)

	if _, err := io.CopyBuffer(dst, src, *bufp); err != nil {
		return err
	}
	return dst.CloseWrite()
}

func peerAddr(c *net.TCPConn) (netip.AddrPort, bool) {
	tcpAddr, ok := c.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := tcpAddr.AddrPort()
	if !ap.IsValid() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

func (p *TCPProxy) readFirstPacket() ([]byte, string, error) {
	p.inbound.SetReadDeadline(time.Now().Add(handshakeReadTimeout))
	defer p.inbound.SetReadDeadline(time.Time{})
	return readFirstPacket(p.inbound)
}

// readFirstPacket reads one length-prefixed packet and parses the server
// address from its body if the body is a handshake. Bytes that arrive past
// the varint prefix belong to the body and are never re-read.
func readFirstPacket(c net.Conn) ([]byte, string, error) {
	var prefix [5]byte
	readTotal := 0
	prefixLen := -1

	for prefixLen < 0 {
		if readTotal == len(prefix) {
			return nil, "", proto.ErrVarIntTooBig
		}
		n, err := c.Read(prefix[readTotal:])
		if n == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return nil, "", io.ErrUnexpectedEOF
			}
			return nil, "", err
		}
		readTotal += n
		for i := 0; i < readTotal; i++ {
			if prefix[i]&0x80 == 0 {
				prefixLen = i + 1
				break
			}
		}
	}

	length32, err := proto.ReadVarInt(bytes.NewReader(prefix[:prefixLen]))
	if err != nil {
		return nil, "", err
	}
	if length32 < 0 || length32 > proto.MaxPacketLen {
		return nil, "", fmt.Errorf("%w: declared body length %d", ErrPacketTooBig, length32)
	}
	length := int(length32)

	body := make([]byte, 0, max(length, readTotal-prefixLen))
	body = append(body, prefix[prefixLen:readTotal]...)
	if len(body) < length {
		rest := make([]byte, length-len(body))
		if _, err := io.ReadFull(c, rest); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, "", err
		}
		body = append(body, rest...)
	}

	if len(body) == 0 {
		return nil, "", ErrEmptyPacket
	}

	full := make([]byte, 0, prefixLen+len(body))
	full = append(full, prefix[:prefixLen]...)
	full = append(full, body...)

	serverAddr, _ := proto.ServerAddr(body)
	return full, serverAddr, nil
}
