package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/matst80/stratum-proxy/internal/obs"
	"github.com/matst80/stratum-proxy/internal/ratelimit"
	"github.com/matst80/stratum-proxy/internal/relay"
	"github.com/matst80/stratum-proxy/internal/state"
	"github.com/matst80/stratum-proxy/internal/upstream"
)

// set by -ldflags at release time
var version = "dev"

const storeCloseTimeout = 5 * time.Second

func main() {
	cfg, fs, err := parseConfig(os.Args[1:])
	switch {
	case errors.Is(err, pflag.ErrHelp):
		printUsage(os.Stdout, fs)
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		printUsage(os.Stderr, fs)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Printf("stratum-proxy %s\n", version)
		os.Exit(0)
	}

	obs.EnableDebug(cfg.Debug)
	obs.Info("proxy.start", obs.Fields{"version": version, "bind": cfg.BindAddr, "port": cfg.LocalPort, "stratum": cfg.StratumHost, "debug": cfg.Debug})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resolved exactly once; a changed DNS record needs a restart.
	target := upstream.NewTarget(cfg.StratumHost)
	addr, err := upstream.Resolve(ctx, target, net.DefaultResolver)
	if err != nil {
		obs.Fatal("upstream.resolve", obs.Fields{"err": err.Error(), "upstream": target.HostPort()})
	}

	store, err := state.New(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Fatal("state.init", obs.Fields{"err": err.Error()})
	}

	policy, _ := relay.ParseAcceptPolicy(cfg.AcceptErrors) // validated in parseConfig
	limiter := ratelimit.NewRateLimiter(0, cfg.ConnRate, cfg.ConnBurst)
	srv := &relay.Server{
		Upstream:         target,
		Addr:             addr,
		Debug:            cfg.Debug,
		AcceptPolicy:     policy,
		MaxSessions:      cfg.MaxSessions,
		Store:            store,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if limiter.Enabled() {
		srv.Limiter = limiter
		go runCleanupLoop(ctx, limiter, time.Minute)
	}

	ln, err := relay.Listen(cfg.BindAddr, cfg.LocalPort)
	if err != nil {
		obs.Fatal("relay.listen", obs.Fields{"err": err.Error()})
	}

	if cfg.MetricsAddr != "" {
		go startMetricsServer(cfg.MetricsAddr, newMetricsMux(store, target, addr))
	}

	store.SetReady(true)
	obs.Info("proxy.ready", obs.Fields{"upstream": addr.String(), "accept_errors": policy.String(), "max_sessions": cfg.MaxSessions})

	err = srv.Serve(ctx, ln)
	store.SetClosing(true)
	if err != nil {
		obs.Fatal("relay.accept", obs.Fields{"err": err.Error()})
	}

	obs.Info("proxy.shutdown.signal", obs.Fields{})
	if cfg.GracePeriod > 0 && !drain(srv, cfg.GracePeriod) {
		obs.Info("proxy.shutdown.abandoned", obs.Fields{"grace_period": cfg.GracePeriod.String()})
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), storeCloseTimeout)
	if err := store.Close(closeCtx); err != nil {
		obs.Error("state.close", obs.Fields{"err": err.Error()})
	}
	cancel()
	obs.Info("proxy.shutdown.complete", obs.Fields{})
}

// drain waits up to grace for open sessions. Reports whether all finished.
func drain(srv *relay.Server, grace time.Duration) bool {
	if grace <= 0 {
		return false
	}
	done := make(chan struct{})
	go func() { srv.Wait(); close(done) }()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func runCleanupLoop(ctx context.Context, limiter *ratelimit.RateLimiter, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := limiter.Prune(); n > 0 {
				obs.Debug("ratelimit.pruned", obs.Fields{"clients": n})
			}
		}
	}
}
