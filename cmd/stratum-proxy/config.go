package main

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/matst80/stratum-proxy/internal/relay"
)

const usageLine = "Usage: stratum-proxy [-b BIND_ADDR] -l LOCAL_PORT -s STRATUM_HOST"

// Config holds all runtime configuration derived from env and flags.
type Config struct {
	LocalPort   int
	BindAddr    string
	StratumHost string
	Debug       bool
	EnvFile     string
	ShowVersion bool

	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AcceptErrors     string
	MaxSessions      int64
	ConnRate         int
	ConnBurst        int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	GracePeriod      time.Duration
}

func defaultConfig() Config {
	return Config{
		BindAddr:     "127.0.0.1",
		EnvFile:      ".env",
		AcceptErrors: "fatal",
		ConnBurst:    5,
	}
}

// parseConfig loads the dotenv file, applies env defaults and then parses args.
// The returned flag set is always usable for printing usage.
func parseConfig(args []string) (Config, *pflag.FlagSet, error) {
	cfg := defaultConfig()
	fs := newFlagSet(&cfg)

	envPath := peekOption(args, []string{"--envfile"}, cfg.EnvFile)
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fs, fmt.Errorf("could not read %s: %w", envPath, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, fs, err
	}
	// Rebuild so env values become the flag defaults shown in usage.
	fs = newFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, fs, err
	}
	if cfg.ShowVersion {
		return cfg, fs, nil
	}
	return cfg, fs, cfg.validate()
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("stratum-proxy", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	fs.IntVarP(&cfg.LocalPort, "local-port", "l", cfg.LocalPort, "The local port to which stratum-proxy should bind.")
	fs.StringVarP(&cfg.BindAddr, "bind", "b", cfg.BindAddr, "The address on which to listen for incoming requests.")
	fs.StringVarP(&cfg.StratumHost, "stratum", "s", cfg.StratumHost, "The remote stratum server to which mining work will be forwarded.")
	fs.BoolVarP(&cfg.Debug, "debug", "d", cfg.Debug, "Enable debug mode")
	fs.StringVar(&cfg.EnvFile, "envfile", cfg.EnvFile, "Load ENVs from this file")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics, health and dashboard listen address (empty disables)")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the shared session registry (empty keeps it in memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.StringVar(&cfg.AcceptErrors, "accept-errors", cfg.AcceptErrors, "what an accept error does: fatal or continue")
	fs.Int64Var(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum concurrent sessions (0 = unbounded)")
	fs.IntVar(&cfg.ConnRate, "conn-rate", cfg.ConnRate, "connections per second allowed from one client IP (0 = unlimited)")
	fs.IntVar(&cfg.ConnBurst, "conn-burst", cfg.ConnBurst, "burst size for --conn-rate")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "upstream dial timeout (0 = none)")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "upstream TLS handshake timeout (0 = none)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "time to wait for active sessions to drain after a shutdown signal (0 = immediate)")
	fs.BoolVarP(&cfg.ShowVersion, "version", "V", false, "Show version and exit")
	return fs
}

// applyEnv fills cfg from the environment. Flags parsed later override it.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("LOCAL_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LOCAL_PORT environment variable value: %q", v)
		}
		cfg.LocalPort = p
	}
	if v := os.Getenv("BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("STRATUM_HOST"); v != "" {
		cfg.StratumHost = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		d, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEBUG environment variable value: %q", v)
		}
		cfg.Debug = d
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.LocalPort == 0 {
		return errors.New("missing required option: local-port")
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("invalid local port %d", c.LocalPort)
	}
	if strings.TrimSpace(c.StratumHost) == "" {
		return errors.New("missing required option: stratum")
	}
	if _, err := netip.ParseAddr(c.BindAddr); err != nil {
		return fmt.Errorf("invalid bind address %q: must be an IP address", c.BindAddr)
	}
	if _, err := relay.ParseAcceptPolicy(c.AcceptErrors); err != nil {
		return err
	}
	if c.MaxSessions < 0 {
		return errors.New("--max-sessions must not be negative")
	}
	if c.ConnRate < 0 || c.ConnBurst < 1 {
		return errors.New("--conn-rate must not be negative and --conn-burst must be positive")
	}
	if c.DialTimeout < 0 || c.HandshakeTimeout < 0 || c.GracePeriod < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	_, _ = fmt.Fprintf(w, "%s\n\nOptions:\n%s", usageLine, fs.FlagUsages())
}

// peekOption finds the value of one of flags in args before full parsing.
func peekOption(args []string, flags []string, defaultOpt string) string {
	for i, arg := range args {
		for _, f := range flags {
			if arg == f && i+1 < len(args) {
				return args[i+1]
			}
			if strings.HasPrefix(arg, f+"=") {
				return strings.TrimPrefix(arg, f+"=")
			}
		}
	}
	return defaultOpt
}
