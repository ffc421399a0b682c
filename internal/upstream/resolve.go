// Package upstream resolves the single TLS upstream the relay forwards to.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/matst80/stratum-proxy/internal/obs"
)

// DefaultPort is the fixed upstream TLS port.
const DefaultPort = 443

// ErrNoAddress is returned when a DNS lookup succeeds but yields no addresses.
var ErrNoAddress = errors.New("failed to resolve DNS: no addresses")

// Target is the configured upstream. Host is also the TLS server name.
type Target struct {
	Host string
	Port int
}

// NewTarget returns a Target for host on DefaultPort.
func NewTarget(host string) Target { return Target{Host: host, Port: DefaultPort} }

// HostPort joins host and port, bracketing IPv6 literals.
func (t Target) HostPort() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

// Resolver is the subset of *net.Resolver used for lookups.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Resolve turns t into a concrete address. A literal IP is parsed directly and
// never touches r. Otherwise the first address returned by r wins.
func Resolve(ctx context.Context, t Target, r Resolver) (netip.AddrPort, error) {
	if t.Port <= 0 || t.Port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("invalid upstream port %d", t.Port)
	}
	if ap, err := netip.ParseAddrPort(t.HostPort()); err == nil {
		return ap, nil
	}
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", t.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", t.HostPort(), err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", t.HostPort(), ErrNoAddress)
	}
	ap := netip.AddrPortFrom(addrs[0].Unmap(), uint16(t.Port))
	obs.Info("upstream.resolved", obs.Fields{"upstream": t.HostPort(), "addr": ap.String()})
	return ap, nil
}
