package proxy

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"mcroute/internal/proto"
	"mcroute/internal/router"
)

// frame wraps a packet body in its varint length prefix.
func frame(body []byte) []byte {
	return append(proto.AppendVarInt(nil, int32(len(body))), body...)
}

func handshakeFrame(addr string, trailing ...byte) []byte {
	body := proto.AppendVarInt(nil, 0)
	body = proto.AppendVarInt(body, 754)
	body = proto.AppendString(body, addr)
	body = append(body, trailing...)
	return frame(body)
}

func TestReadFirstPacketFragmented(t *testing.T) {
	pkt := handshakeFrame("fractal.example.com", 0x63, 0xDD)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// one byte per write: the reader must reassemble the prefix and
		// the body across many one-byte reads
		for _, b := range pkt {
			if _, err := client.Write([]byte{b}); err != nil {
				return
			}
		}
	}()

	full, serverAddr, err := readFirstPacket(server)
	if err != nil {
		t.Fatalf("readFirstPacket: %v", err)
	}
	if !bytes.Equal(full, pkt) {
		t.Fatalf("packet mismatch:\nsent %x\ngot  %x", pkt, full)
	}
	if serverAddr != "fractal.example.com" {
		t.Fatalf("server address: got %q", serverAddr)
	}
}

func TestReadFirstPacketSingleWrite(t *testing.T) {
	pkt := handshakeFrame("fractal")

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write(pkt)

	full, serverAddr, err := readFirstPacket(server)
	if err != nil {
		t.Fatalf("readFirstPacket: %v", err)
	}
	if !bytes.Equal(full, pkt) {
		t.Fatalf("packet mismatch:\nsent %x\ngot  %x", pkt, full)
	}
	if serverAddr != "fractal" {
		t.Fatalf("server address: got %q", serverAddr)
	}
}

func TestReadFirstPacketOversize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write(proto.AppendVarInt(nil, 300000))

	if _, _, err := readFirstPacket(server); !errors.Is(err, ErrPacketTooBig) {
		t.Fatalf("expected ErrPacketTooBig, got %v", err)
	}
}

func TestReadFirstPacketPrefixTooLong(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})

	if _, _, err := readFirstPacket(server); !errors.Is(err, proto.ErrVarIntTooBig) {
		t.Fatalf("expected ErrVarIntTooBig, got %v", err)
	}
}

func TestReadFirstPacketTruncatedBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		client.Write(frame(make([]byte, 100))[:20])
		client.Close()
	}()

	if _, _, err := readFirstPacket(server); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestReadFirstPacketEmptyBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write(frame(nil))

	if _, _, err := readFirstPacket(server); !errors.Is(err, ErrEmptyPacket) {
		t.Fatalf("expected ErrEmptyPacket, got %v", err)
	}
}

// startWorker accepts one connection on a fresh listener and runs a TCP
// worker for it, reporting the worker's error on the returned channel.
func startWorker(t *testing.T, rt *router.Router) (netip.AddrPort, <-chan error) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	done := make(chan error, 1)
	go func() {
		conn, err := ln.AcceptTCP()
		if err != nil {
			done <- err
			return
		}
		done <- NewTCP(conn, rt).Run()
	}()
	return ln.Addr().(*net.TCPAddr).AddrPort(), done
}

func TestHappyPathSplice(t *testing.T) {
	upstream, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("upstream listen: %v", err)
	}
	defer upstream.Close()
	upAddr := upstream.Addr().(*net.TCPAddr).AddrPort()

	rt := router.New()
	rt.Insert(router.Route{
		Name: "fractal",
		TCP:  upAddr,
		UDP:  netip.AddrPortFrom(upAddr.Addr(), 24454),
	})

	proxyAddr, done := startWorker(t, rt)

	client, err := net.Dial("tcp", proxyAddr.String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	pkt := handshakeFrame("fractal.example.com")
	if _, err := client.Write(pkt); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	server, err := upstream.AcceptTCP()
	if err != nil {
		t.Fatalf("upstream accept: %v", err)
	}
	defer server.Close()
	server.SetDeadline(time.Now().Add(5 * time.Second))
	client.SetDeadline(time.Now().Add(5 * time.Second))

	// the verbatim framed handshake arrives first
	got := make([]byte, len(pkt))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("upstream read handshake: %v", err)
	}
	if !bytes.Equal(got, pkt) {
		t.Fatalf("handshake mismatch:\nsent %x\ngot  %x", pkt, got)
	}

	// splice carries both directions
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("upstream read: %q err=%v", buf, err)
	}
	if _, err := server.Write([]byte("pong")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "pong" {
		t.Fatalf("client read: %q err=%v", buf, err)
	}

	// the worker registered the hint and an eager exact mapping
	clientAP := client.LocalAddr().(*net.TCPAddr).AddrPort()
	clientAP = netip.AddrPortFrom(clientAP.Addr().Unmap(), clientAP.Port())
	if up, ok := rt.LookupIPHint(clientAP.Addr()); !ok || up != upAddr.Addr() {
		t.Fatalf("ip hint: got %s ok=%v", up, ok)
	}
	if up, ok := rt.LookupExact(clientAP); !ok || up.Addr() != upAddr.Addr() {
		t.Fatalf("exact mapping during session: got %s ok=%v", up, ok)
	}

	// closing the client half-closes the upstream; once the upstream sees
	// EOF and closes too, the splice finishes and the mapping is released
	client.Close()
	if _, err := server.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected EOF from half-closed upstream side")
	}
	server.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	if _, ok := rt.LookupExact(clientAP); ok {
		t.Fatal("exact mapping not released on worker exit")
	}
}

func TestUnknownRouteCloses(t *testing.T) {
	rt := router.New()
	proxyAddr, done := startWorker(t, rt)

	client, err := net.Dial("tcp", proxyAddr.String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(handshakeFrame("absent.example.com")); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrUnknownRoute) {
			t.Fatalf("expected ErrUnknownRoute, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}

	// the inbound is closed: reads drain to EOF
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected closed connection")
	}
}

func TestEmptyRouteKey(t *testing.T) {
	rt := router.New()
	proxyAddr, done := startWorker(t, rt)

	client, err := net.Dial("tcp", proxyAddr.String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(handshakeFrame(".example.com")); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrEmptyRouteKey) {
			t.Fatalf("expected ErrEmptyRouteKey, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestHandshakeRateLimited(t *testing.T) {
	rt := router.New()
	rt.Insert(router.Route{
		Name: "big",
		TCP:  netip.MustParseAddrPort("127.0.0.1:9"),
		UDP:  netip.MustParseAddrPort("127.0.0.1:9"),
	})
	proxyAddr, done := startWorker(t, rt)

	client, err := net.Dial("tcp", proxyAddr.String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	// 200 KiB handshake exceeds the 128 KiB burst, so admission denies it
	// before any upstream dial
	padding := make([]byte, 200*1024)
	if _, err := client.Write(handshakeFrame("big.example.com", padding...)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}
