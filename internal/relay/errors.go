package relay

import (
	"fmt"
	"net/netip"
)

// Direction names one half of a relay session.
type Direction string

const (
	ClientToUpstream Direction = "client->upstream"
	UpstreamToClient Direction = "upstream->client"
)

// DialError means the TCP connection to the upstream could not be opened.
type DialError struct {
	Addr netip.AddrPort
	Err  error
}

func (e *DialError) Error() string { return fmt.Sprintf("dial upstream %s: %v", e.Addr, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// HandshakeError means the TLS handshake with the upstream failed.
type HandshakeError struct {
	ServerName string
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s: %v", e.ServerName, e.Err)
}
func (e *HandshakeError) Unwrap() error { return e.Err }

// CopyError means one direction of the byte relay ended with an error.
type CopyError struct {
	Direction Direction
	Client    string
	Err       error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s for client %s: %v", e.Direction, e.Client, e.Err)
}
func (e *CopyError) Unwrap() error { return e.Err }
