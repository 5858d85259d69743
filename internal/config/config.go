// Package config loads this node's static configuration from a TOML
// file and lets environment variables override individual fields,
// enumerated explicitly rather than mapped by reflection.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/dflmix/peer/internal/peerid"
)

// Config is every knob this node's process needs at start.
type Config struct {
	NodeID        peerid.ID
	NNodes        int
	Port          int
	MixEnabled    bool
	MixMu         float64
	MixStd        float64
	MixMaxMs      float64
	MixOutboxSize int
	MixShuffle    bool
	MaxHops       int
	BodyLen       int
	ResendPeriod  durationSeconds
	CoverBytes    int
	PKIDir        string
	LogLevel      string
	LogFile       string

	Peers peerid.Table
}

// durationSeconds is a plain integer count of seconds in the TOML file,
// kept as its own type so call sites spell out the unit at the point of
// use (cfg.ResendPeriod.Seconds()).
type durationSeconds int

func (d durationSeconds) Seconds() int { return int(d) }

type fileFormat struct {
	NodeID        uint32             `toml:"node_id"`
	NNodes        int                `toml:"n_nodes"`
	Port          int                `toml:"port"`
	MixEnabled    bool               `toml:"mix_enabled"`
	MixMu         float64            `toml:"mix_mu"`
	MixStd        float64            `toml:"mix_std"`
	MixMaxMs      float64            `toml:"mix_max_ms"`
	MixOutboxSize int                `toml:"mix_outbox_size"`
	MixShuffle    bool               `toml:"mix_shuffle"`
	MaxHops       int                `toml:"max_hops"`
	BodyLen       int                `toml:"body_len"`
	ResendPeriod  int                `toml:"resend_period_seconds"`
	CoverBytes    int                `toml:"cover_bytes"`
	PKIDir        string             `toml:"pki_dir"`
	LogLevel      string             `toml:"log_level"`
	LogFile       string             `toml:"log_file"`
	Peers         map[string]peerFmt `toml:"peers"`
}

type peerFmt struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Load reads path and applies any matching environment variable
// overrides on top of it.
func Load(path string) (Config, error) {
	var ff fileFormat
	if _, err := toml.DecodeFile(path, &ff); err != nil {
		return Config{}, fmt.Errorf("config: decode %q: %w", path, err)
	}

	peers := make(peerid.Table, len(ff.Peers))
	for idStr, p := range ff.Peers {
		n, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid peer id %q in [peers]: %w", idStr, err)
		}
		peers[peerid.ID(n)] = peerid.Address{Host: p.Host, Port: p.Port}
	}

	cfg := Config{
		NodeID:        peerid.ID(ff.NodeID),
		NNodes:        ff.NNodes,
		Port:          ff.Port,
		MixEnabled:    ff.MixEnabled,
		MixMu:         ff.MixMu,
		MixStd:        ff.MixStd,
		MixMaxMs:      ff.MixMaxMs,
		MixOutboxSize: ff.MixOutboxSize,
		MixShuffle:    ff.MixShuffle,
		MaxHops:       ff.MaxHops,
		BodyLen:       ff.BodyLen,
		ResendPeriod:  durationSeconds(ff.ResendPeriod),
		CoverBytes:    ff.CoverBytes,
		PKIDir:        ff.PKIDir,
		LogLevel:      ff.LogLevel,
		LogFile:       ff.LogFile,
		Peers:         peers,
	}
	applyEnvOverrides(&cfg)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	return cfg, nil
}

// applyEnvOverrides checks each spec-named environment variable and, if
// set, overrides the corresponding field.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("NODE_ID"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.NodeID = peerid.ID(n)
		}
	}
	if v, ok := os.LookupEnv("N_NODES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NNodes = n
		}
	}
	if v, ok := os.LookupEnv("PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v, ok := os.LookupEnv("MIX_ENABLED"); ok {
		cfg.MixEnabled = v == "1" || v == "true"
	}
	if v, ok := os.LookupEnv("MIX_MU"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MixMu = f
		}
	}
	if v, ok := os.LookupEnv("MIX_STD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MixStd = f
		}
	}
	if v, ok := os.LookupEnv("MIX_MAX_MS"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MixMaxMs = f
		}
	}
	if v, ok := os.LookupEnv("MIX_OUTBOX_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MixOutboxSize = n
		}
	}
	if v, ok := os.LookupEnv("MIX_SHUFFLE"); ok {
		cfg.MixShuffle = v == "1" || v == "true"
	}
	if v, ok := os.LookupEnv("MAX_HOPS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxHops = n
		}
	}
	if v, ok := os.LookupEnv("RESEND_PERIOD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ResendPeriod = durationSeconds(n)
		}
	}
	if v, ok := os.LookupEnv("COVER_BYTES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CoverBytes = n
		}
	}
	if v, ok := os.LookupEnv("PKI_DIR"); ok {
		cfg.PKIDir = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}
