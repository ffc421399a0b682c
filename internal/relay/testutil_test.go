package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matst80/stratum-proxy/internal/obs"
	"github.com/matst80/stratum-proxy/internal/upstream"
)

const testServerName = "example-stratum.test"

// echoUpstream is a TLS echo server standing in for the stratum pool.
type echoUpstream struct {
	ln       net.Listener
	cfg      *tls.Config
	pool     *x509.CertPool
	failNext atomic.Int32 // close this many raw connections before the handshake
	holdNext atomic.Int32 // hand this many raw connections to held instead of serving
	held     chan net.Conn

	mu       sync.Mutex
	received [][]byte
	wg       sync.WaitGroup
}

func newEchoUpstream(t *testing.T) *echoUpstream {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: testServerName},
		DNSNames:              []string{testServerName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	u := &echoUpstream{
		ln:   ln,
		pool: pool,
		held: make(chan net.Conn, 4),
		cfg: &tls.Config{
			Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
		},
	}
	go u.acceptLoop()
	t.Cleanup(u.close)
	return u
}

func (u *echoUpstream) acceptLoop() {
	for {
		c, err := u.ln.Accept()
		if err != nil {
			return
		}
		if u.failNext.Load() > 0 {
			u.failNext.Add(-1)
			_ = c.Close()
			continue
		}
		if u.holdNext.Load() > 0 {
			u.holdNext.Add(-1)
			u.held <- c
			continue
		}
		u.serve(c)
	}
}

// serve answers c as a TLS echo server.
func (u *echoUpstream) serve(c net.Conn) {
	u.wg.Add(1)
	go u.handle(tls.Server(c, u.cfg))
}

// handle echoes until EOF. Only connections that completed the handshake are
// recorded.
func (u *echoUpstream) handle(c *tls.Conn) {
	defer u.wg.Done()
	defer c.Close()
	if err := c.Handshake(); err != nil {
		return
	}
	var got bytes.Buffer
	_, _ = io.Copy(c, io.TeeReader(c, &got))
	u.mu.Lock()
	u.received = append(u.received, got.Bytes())
	u.mu.Unlock()
}

func (u *echoUpstream) close() {
	_ = u.ln.Close()
	u.wg.Wait()
}

func (u *echoUpstream) addr() netip.AddrPort {
	return u.ln.Addr().(*net.TCPAddr).AddrPort()
}

func (u *echoUpstream) receivedPayloads() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.received...)
}

// runningRelay is a Server serving on a loopback listener.
type runningRelay struct {
	srv    *Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startRelay(t *testing.T, srv *Server) *runningRelay {
	t.Helper()
	ln, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen relay: %v", err)
	}
	return serveOn(t, srv, ln)
}

func serveOn(t *testing.T, srv *Server, ln net.Listener) *runningRelay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningRelay{srv: srv, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

// stop cancels Serve and waits for every session. Safe to call twice.
func (r *runningRelay) stop(t *testing.T) {
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Error("Serve did not return after cancel")
	}
	r.srv.Wait()
	r.done <- nil
}

func testServer(u *echoUpstream, debug bool) *Server {
	return &Server{
		Upstream:  upstream.NewTarget(testServerName),
		Addr:      u.addr(),
		Debug:     debug,
		TLSConfig: &tls.Config{RootCAs: u.pool},
	}
}

// roundTrip writes payload, half-closes and reads everything the relay returns.
func roundTrip(t *testing.T, addr string, payload []byte) []byte {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return got
}

// captureLogs redirects obs output for the duration of the test.
func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	obs.SetOutput(buf)
	t.Cleanup(func() { obs.SetOutput(io.Discard) })
	return buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// rejectedRoundTrip is roundTrip for connections the relay is expected to
// drop. A reset is a valid outcome, so read and write errors are ignored.
func rejectedRoundTrip(t *testing.T, addr string, payload []byte) []byte {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	_, _ = c.Write(payload)
	_ = c.(*net.TCPConn).CloseWrite()
	got, _ := io.ReadAll(c)
	return got
}
