// Package relay accepts plaintext clients and relays each one to the TLS upstream.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/matst80/stratum-proxy/internal/obs"
	"github.com/matst80/stratum-proxy/internal/ratelimit"
	"github.com/matst80/stratum-proxy/internal/state"
	"github.com/matst80/stratum-proxy/internal/upstream"
)

// AcceptPolicy decides what an Accept error does to the loop.
type AcceptPolicy int

const (
	// AcceptFatal stops Serve and returns the error.
	AcceptFatal AcceptPolicy = iota
	// AcceptContinue logs the error and keeps accepting.
	AcceptContinue
)

// ParseAcceptPolicy maps "fatal" or "continue" to a policy.
func ParseAcceptPolicy(s string) (AcceptPolicy, error) {
	switch s {
	case "", "fatal":
		return AcceptFatal, nil
	case "continue":
		return AcceptContinue, nil
	}
	return AcceptFatal, fmt.Errorf("unknown accept error policy %q (want fatal or continue)", s)
}

func (p AcceptPolicy) String() string {
	if p == AcceptContinue {
		return "continue"
	}
	return "fatal"
}

// Server is the session supervisor. Configure it fully before calling Serve;
// it is read-only afterwards.
type Server struct {
	Upstream upstream.Target // Host is the TLS server name
	Addr     netip.AddrPort  // resolved once at startup
	Debug    bool            // per-direction byte counts

	AcceptPolicy AcceptPolicy
	// MaxSessions caps concurrent sessions. 0 means unbounded.
	MaxSessions int64
	// Limiter rejects clients accepting too fast. Nil disables it.
	Limiter *ratelimit.RateLimiter
	// Store records sessions. Nil uses a private in-memory store.
	Store state.Store

	// Optional timeouts. Zero means no timeout.
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// TLSConfig is cloned for every upstream handshake. Nil uses the system
	// defaults; ServerName is always overwritten with Upstream.Host.
	TLSConfig *tls.Config

	wg sync.WaitGroup
}

// Listen binds bindIP:port.
func Listen(bindIP string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(bindIP, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	obs.Info("relay.listening", obs.Fields{"addr": ln.Addr().String()})
	return ln, nil
}

// Serve accepts clients on ln until ctx is cancelled or Accept fails under
// AcceptFatal. Each client is relayed on its own goroutine; Serve never waits
// for a session. Cancelling ctx closes ln and returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Store == nil {
		s.Store = state.NewMemoryStore()
	}
	var sem *semaphore.Weighted
	if s.MaxSessions > 0 {
		sem = semaphore.NewWeighted(s.MaxSessions)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	for {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}
		release := func() {
			if sem != nil {
				sem.Release(1)
			}
		}

		c, err := ln.Accept()
		if err != nil {
			release()
			if ctx.Err() != nil {
				return nil
			}
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			if s.AcceptPolicy == AcceptContinue && !errors.Is(err, net.ErrClosed) {
				obs.Error("accept.error", obs.Fields{"err": err.Error()})
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		clientAddr := c.RemoteAddr().String()
		if s.Limiter.Enabled() && !s.Limiter.AllowConnection(clientIP(c.RemoteAddr())) {
			obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
			obs.Error("client.rate_limited", obs.Fields{"client": clientAddr})
			_ = c.Close()
			release()
			continue
		}

		obs.Info("client.accepted", obs.Fields{"client": clientAddr})
		obs.SessionsTotal.Inc()
		sess := s.newSession(c, clientAddr)
		s.wg.Add(1)
		// Shutdown stops the accept loop only; open sessions run to completion.
		sessCtx := context.WithoutCancel(ctx)
		go func() {
			defer s.wg.Done()
			defer release()
			sess.run(sessCtx)
		}()
	}
}

// Wait blocks until every session started by Serve has ended.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) newSession(c net.Conn, clientAddr string) *session {
	return &session{
		id:               state.NewSessionID(8),
		client:           c,
		clientAddr:       clientAddr,
		upstream:         s.Addr,
		serverName:       s.Upstream.Host,
		tlsConfig:        s.TLSConfig,
		debug:            s.Debug,
		dialTimeout:      s.DialTimeout,
		handshakeTimeout: s.HandshakeTimeout,
		store:            s.Store,
	}
}

func clientIP(a net.Addr) string {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
