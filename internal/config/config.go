// Package config holds the dispatcher's and gateway shim's typed startup
// configuration: listen address, snapshot location/interval, seed
// markets and balances, and the default self-trade-prevention mode.
// Loaded from environment variables with plain strconv parsing — no
// config-file framework, since generic config-file loading is a named
// Non-goal collaborator (§1); the struct itself is still carried because
// the dispatcher cannot be constructed without it.
package config

import (
	"os"
	"strconv"
	"time"

	"fenrir/internal/model"
)

// Market is a seed entry in the market registry: a trading pair symbol
// and its base/quote asset legs.
type Market struct {
	Symbol string
	Base   string
	Quote  string
}

// SeedBalance credits one user/asset pair when the engine starts empty.
type SeedBalance struct {
	UserID string
	Asset  string
	Amount string
}

// Config is the full set of knobs the dispatcher and gateway shim need
// at startup.
type Config struct {
	ListenAddr string
	ListenPort int

	SnapshotPath     string
	SnapshotInterval time.Duration
	WithSnapshot     bool

	Markets      []Market
	SeedBalances []SeedBalance

	DefaultSTPMode model.STPMode
}

// Default returns the configuration used when no environment overrides
// are present: a BTC_USDT and ETH_USDT market, no seed balances, and
// CANCEL_NEWEST self-trade prevention.
func Default() Config {
	return Config{
		ListenAddr:       "0.0.0.0",
		ListenPort:       9001,
		SnapshotPath:     "fenrir.snapshot",
		SnapshotInterval: 3 * time.Second,
		WithSnapshot:     false,
		Markets: []Market{
			{Symbol: "BTC_USDT", Base: "BTC", Quote: "USDT"},
			{Symbol: "ETH_USDT", Base: "ETH", Quote: "USDT"},
		},
		SeedBalances:   nil,
		DefaultSTPMode: model.CancelNewest,
	}
}

// FromEnv layers environment-variable overrides onto Default(), in the
// teacher's bare constructor-arg style (net.New(address, port, engine))
// generalized to env vars rather than flags since this process has more
// knobs than the teacher's gateway did.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("FENRIR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FENRIR_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ListenPort = port
		}
	}
	if v := os.Getenv("FENRIR_SNAPSHOT_PATH"); v != "" {
		cfg.SnapshotPath = v
	}
	if v := os.Getenv("FENRIR_SNAPSHOT_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.SnapshotInterval = time.Duration(secs) * time.Second
		}
	}
	if _, ok := os.LookupEnv("WITH_SNAPSHOT"); ok {
		cfg.WithSnapshot = true
	}
	if v := os.Getenv("FENRIR_DEFAULT_STP_MODE"); v != "" {
		cfg.DefaultSTPMode = model.ParseSTPMode(v)
	}

	return cfg
}
