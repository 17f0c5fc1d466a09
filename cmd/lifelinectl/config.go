package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/lifelinetty/internal/config"
	"github.com/danmuck/lifelinetty/internal/link"
	"github.com/danmuck/lifelinetty/internal/protocol/negotiation"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultAdminAddr = "127.0.0.1:9300"

type fileConfig struct {
	Device              string   `toml:"device"`
	Baud                int      `toml:"baud"`
	CacheDir            string   `toml:"cache_dir"`
	NodeID              uint32   `toml:"node_id"`
	RolePreference      string   `toml:"role_preference"`
	HandshakeTimeoutMS  int64    `toml:"handshake_timeout_ms"`
	BackoffInitialMS    int64    `toml:"backoff_initial_ms"`
	BackoffMaxMS        int64    `toml:"backoff_max_ms"`
	TunnelEnabled       bool     `toml:"tunnel_enabled"`
	CommandAllowlist    []string `toml:"command_allowlist"`
	SerialTimeoutMS     int64    `toml:"serial_timeout_ms"`
	TunnelTimeoutMS     int64    `toml:"tunnel_timeout_ms"`
	HeartbeatIntervalMS int64    `toml:"heartbeat_interval_ms"`
	AdminAddr           string   `toml:"admin_addr"`
	CorsOrigins         []string `toml:"cors_origins"`
	ProfilesPath        string   `toml:"profiles_path"`
}

type daemonConfig struct {
	Service      link.ServiceConfig
	AdminAddr    string
	CorsOrigins  []string
	ProfilesPath string
}

// defaultDaemonConfig leaves the node id unset so finalize derives one.
func defaultDaemonConfig() daemonConfig {
	svc := link.DefaultServiceConfig()
	svc.Negotiation.NodeID = 0
	return daemonConfig{
		Service:   svc,
		AdminAddr: defaultAdminAddr,
	}
}

// loadDaemonConfig applies the keys present in path over the defaults. An
// empty path yields the defaults.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return daemonConfig{}, fmt.Errorf("load lifelinectl config: %w", err)
		}
		if err := applyFileConfig(&cfg, raw, meta); err != nil {
			return daemonConfig{}, err
		}
	}
	if err := finalize(&cfg); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *daemonConfig, raw fileConfig, meta toml.MetaData) error {
	svc := &cfg.Service

	if meta.IsDefined("device") {
		if device := strings.TrimSpace(raw.Device); device != "" {
			svc.Device = device
		}
	}
	if meta.IsDefined("baud") {
		if raw.Baud <= 0 {
			return fmt.Errorf("parse baud: must be positive, got %d", raw.Baud)
		}
		svc.Serial.Baud = raw.Baud
	}
	if meta.IsDefined("cache_dir") {
		if dir := strings.TrimSpace(raw.CacheDir); dir != "" {
			svc.CacheDir = dir
		}
	}
	if meta.IsDefined("node_id") {
		svc.Negotiation.NodeID = raw.NodeID
	}
	if meta.IsDefined("role_preference") {
		pref, err := negotiation.ParsePreference(raw.RolePreference)
		if err != nil {
			log.Warn().Str("role_preference", raw.RolePreference).Msg("invalid role_preference; using no preference")
			pref = negotiation.NoPreference
		}
		svc.Negotiation.Preference = pref
	}
	if meta.IsDefined("handshake_timeout_ms") {
		d := millis(raw.HandshakeTimeoutMS)
		svc.Negotiation.HandshakeTimeout = d
		svc.Reliability.HandshakeTimeout = d
	}
	if meta.IsDefined("backoff_initial_ms") {
		svc.Reliability.Backoff.InitialDelay = millis(raw.BackoffInitialMS)
	}
	if meta.IsDefined("backoff_max_ms") {
		svc.Reliability.Backoff.MaxDelay = millis(raw.BackoffMaxMS)
	}
	if meta.IsDefined("tunnel_enabled") {
		svc.TunnelEnabled = raw.TunnelEnabled
	}
	if meta.IsDefined("command_allowlist") {
		svc.Allowlist = normalizeList(raw.CommandAllowlist)
	}
	if meta.IsDefined("serial_timeout_ms") {
		svc.Reliability.SerialDeadAfter = millis(raw.SerialTimeoutMS)
	}
	if meta.IsDefined("tunnel_timeout_ms") {
		svc.Reliability.TunnelDeadAfter = millis(raw.TunnelTimeoutMS)
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		svc.Reliability.HeartbeatInterval = millis(raw.HeartbeatIntervalMS)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("profiles_path") {
		cfg.ProfilesPath = strings.TrimSpace(raw.ProfilesPath)
	}
	return nil
}

// finalize fills derived values: a random node id when none was configured
// and the heartbeat profile override.
func finalize(cfg *daemonConfig) error {
	if cfg.Service.Negotiation.NodeID == 0 {
		cfg.Service.Negotiation.NodeID = generateNodeID()
	}
	if cfg.ProfilesPath != "" {
		profiles, err := config.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			return err
		}
		cfg.Service.Reliability.HeartbeatInterval = profiles.HeartbeatInterval(cfg.Service.Reliability.HeartbeatInterval)
	}
	return nil
}

func generateNodeID() uint32 {
	for {
		if id := uuid.New().ID(); id != 0 {
			return id
		}
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
