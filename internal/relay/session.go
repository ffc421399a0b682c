package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/matst80/stratum-proxy/internal/obs"
	"github.com/matst80/stratum-proxy/internal/state"
)

// session relays one accepted client. Every field is fixed at spawn time.
type session struct {
	id               string
	client           net.Conn
	clientAddr       string
	upstream         netip.AddrPort
	serverName       string
	tlsConfig        *tls.Config
	debug            bool
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	store            state.Store
}

type copyResult struct {
	n   int64
	err error
}

// run drives Connecting -> Handshaking -> Relaying -> Closed. The client
// connection is always closed on return.
func (s *session) run(ctx context.Context) {
	defer s.client.Close()

	start := time.Now()
	obs.ActiveSessions.Inc()
	s.store.SessionOpened(state.SessionInfo{ID: s.id, Client: s.clientAddr, Started: start})
	result := state.SessionResult{ID: s.id}
	defer func() {
		obs.ActiveSessions.Dec()
		obs.SessionDurationSeconds.Observe(time.Since(start).Seconds())
		s.store.SessionClosed(result)
	}()

	up, err := s.connect(ctx)
	if err != nil {
		result.Failed = true
		var hsErr *HandshakeError
		if errors.As(err, &hsErr) {
			obs.ErrorsTotal.WithLabelValues("handshake").Inc()
			obs.Error("relay.handshake_error", obs.Fields{"id": s.id, "client": s.clientAddr, "server_name": s.serverName, "err": err.Error()})
		} else {
			obs.ErrorsTotal.WithLabelValues("dial").Inc()
			obs.Error("relay.dial_error", obs.Fields{"id": s.id, "client": s.clientAddr, "upstream": s.upstream.String(), "err": err.Error()})
		}
		return
	}
	defer up.Close()
	obs.Debug("relay.established", obs.Fields{"id": s.id, "client": s.clientAddr, "tls_version": tls.VersionName(up.ConnectionState().Version)})

	toClient, toUpstream := s.pipe(up)
	result.BytesDown, result.BytesUp = toClient.n, toUpstream.n
	if !s.report(ClientToUpstream, toUpstream) {
		result.Failed = true
	}
	if !s.report(UpstreamToClient, toClient) {
		result.Failed = true
	}
}

// connect dials the resolved upstream and performs the TLS handshake against
// the configured host name.
func (s *session) connect(ctx context.Context) (*tls.Conn, error) {
	d := net.Dialer{Timeout: s.dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", s.upstream.String())
	if err != nil {
		return nil, &DialError{Addr: s.upstream, Err: err}
	}

	var cfg *tls.Config
	if s.tlsConfig != nil {
		cfg = s.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = s.serverName
	conn := tls.Client(raw, cfg)

	hctx := ctx
	if s.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, s.handshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, &HandshakeError{ServerName: s.serverName, Err: err}
	}
	return conn, nil
}

// pipe copies both directions concurrently and waits for both. A finished
// direction half-closes its destination so the peer sees EOF while the other
// direction runs to its own end.
func (s *session) pipe(up net.Conn) (toClient, toUpstream copyResult) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		toClient.n, toClient.err = io.Copy(s.client, up)
		closeWrite(s.client)
	}()
	go func() {
		defer wg.Done()
		toUpstream.n, toUpstream.err = io.Copy(up, s.client)
		closeWrite(up)
	}()
	wg.Wait()
	return toClient, toUpstream
}

// report logs one direction's outcome. Errors are always logged; byte counts
// only in debug mode. Returns false if the direction failed.
func (s *session) report(dir Direction, r copyResult) bool {
	obs.BytesTotal.WithLabelValues(string(dir)).Add(float64(r.n))
	if r.err != nil {
		obs.ErrorsTotal.WithLabelValues("copy").Inc()
		err := &CopyError{Direction: dir, Client: s.clientAddr, Err: r.err}
		obs.Error("relay.copy_error", obs.Fields{"id": s.id, "direction": string(dir), "client": s.clientAddr, "bytes": r.n, "err": err.Error()})
		return false
	}
	if s.debug {
		obs.Info("relay.bytes", obs.Fields{"id": s.id, "direction": string(dir), "client": s.clientAddr, "bytes": r.n})
	}
	return true
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
