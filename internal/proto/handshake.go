package proto

import (
	"bytes"
	"strings"
)

// handshakePacketID is the packet id of the initial handshake.
const handshakePacketID = 0

// ServerAddr extracts the claimed server address from a handshake packet
// body: packet id 0, a protocol version, then a length-prefixed address
// string. Returns false when the body does not carry a server address.
func ServerAddr(body []byte) (string, bool) {
	r := bytes.NewReader(body)
	id, err := ReadVarInt(r)
	if err != nil || id != handshakePacketID {
		return "", false
	}
	if _, err := ReadVarInt(r); err != nil { // protocol version, unused
		return "", false
	}
	addr, err := ReadString(r)
	if err != nil {
		return "", false
	}
	return addr, true
}

// RouteKey reduces a server address to its leading dot-separated label.
// "fractal.example.com" keys as "fractal"; an address without dots keys
// as itself.
func RouteKey(addr string) string {
	key, _, _ := strings.Cut(addr, ".")
	return key
}
