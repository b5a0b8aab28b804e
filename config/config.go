// Package config loads client settings from a TOML file and GLOWDB_* environment
// variables, and turns them into client options.
//
// Example file:
//
//	endpoint         = "ws://db.internal:8888"
//	kind             = "note"
//	version_field    = "jsonrpc"     # or "rpc_version"
//	explicit_connect = false
//	dial_timeout     = "5s"
//	call_timeout     = "2s"
//	rate_limit       = 100           # calls per second, 0 = unlimited
//	retries          = 2             # read-only calls only
//	log_level        = "info"
//
//	etcd_endpoints = ["127.0.0.1:2379"]  # resolve the store through etcd instead of endpoint
//	service        = "glowdb"
//	balancer       = "round_robin"
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"glowdb/client"
	"glowdb/codec"
	"glowdb/loadbalance"
)

type Config struct {
	Endpoint        string
	Kind            string
	Codec           codec.CodecType
	ExplicitConnect bool

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	CallTimeout time.Duration // 0 = calls wait until answered or disconnected
	RateLimit   float64       // calls per second, 0 = unlimited
	RateBurst   int
	Retries     int
	RetryDelay  time.Duration

	LogLevel string

	EtcdEndpoints []string
	Service       string
	Balancer      string
	HashKey       string // consistent_hash key, defaults to the host name
}

// DefaultConfig returns the settings used for everything a file or the environment does
// not override.
func DefaultConfig() Config {
	return Config{
		Endpoint:         client.DefaultEndpoint,
		Codec:            codec.CodecTypeJSONRPC,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		RateBurst:        1,
		RetryDelay:       100 * time.Millisecond,
		LogLevel:         "info",
		Service:          "glowdb",
		Balancer:         "round_robin",
	}
}

type fileConfig struct {
	Endpoint         string   `toml:"endpoint"`
	Kind             string   `toml:"kind"`
	VersionField     string   `toml:"version_field"`
	ExplicitConnect  bool     `toml:"explicit_connect"`
	DialTimeout      string   `toml:"dial_timeout"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	PingInterval     string   `toml:"ping_interval"`
	CallTimeout      string   `toml:"call_timeout"`
	RateLimit        float64  `toml:"rate_limit"`
	RateBurst        int      `toml:"rate_burst"`
	Retries          int      `toml:"retries"`
	RetryDelay       string   `toml:"retry_delay"`
	LogLevel         string   `toml:"log_level"`
	EtcdEndpoints    []string `toml:"etcd_endpoints"`
	Service          string   `toml:"service"`
	Balancer         string   `toml:"balancer"`
	HashKey          string   `toml:"hash_key"`
}

// Load reads path over DefaultConfig. Keys missing from the file keep their default.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("kind") {
		cfg.Kind = strings.TrimSpace(raw.Kind)
	}
	if meta.IsDefined("version_field") {
		if cfg.Codec, err = codec.ParseType(strings.TrimSpace(raw.VersionField)); err != nil {
			return Config{}, fmt.Errorf("parse version_field: %w", err)
		}
	}
	if meta.IsDefined("explicit_connect") {
		cfg.ExplicitConnect = raw.ExplicitConnect
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
		{"call_timeout", raw.CallTimeout, &cfg.CallTimeout},
		{"retry_delay", raw.RetryDelay, &cfg.RetryDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("retries") {
		cfg.Retries = raw.Retries
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if meta.IsDefined("service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("balancer") {
		cfg.Balancer = strings.TrimSpace(raw.Balancer)
	}
	if meta.IsDefined("hash_key") {
		cfg.HashKey = strings.TrimSpace(raw.HashKey)
	}

	return cfg, cfg.Validate()
}

// ApplyEnv overrides cfg with the GLOWDB_* variables that are set.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("GLOWDB_ENDPOINT"); ok {
		c.Endpoint = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("GLOWDB_KIND"); ok {
		c.Kind = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("GLOWDB_VERSION_FIELD"); ok {
		t, err := codec.ParseType(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("GLOWDB_VERSION_FIELD: %w", err)
		}
		c.Codec = t
	}
	if v, ok := os.LookupEnv("GLOWDB_EXPLICIT_CONNECT"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("GLOWDB_EXPLICIT_CONNECT: %w", err)
		}
		c.ExplicitConnect = b
	}
	if v, ok := os.LookupEnv("GLOWDB_CALL_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("GLOWDB_CALL_TIMEOUT: %w", err)
		}
		c.CallTimeout = d
	}
	if v, ok := os.LookupEnv("GLOWDB_LOG_LEVEL"); ok {
		c.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("GLOWDB_ETCD_ENDPOINTS"); ok {
		c.EtcdEndpoints = normalizeList(strings.Split(v, ","))
	}
	if v, ok := os.LookupEnv("GLOWDB_SERVICE"); ok {
		c.Service = strings.TrimSpace(v)
	}
	return c.Validate()
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case len(c.EtcdEndpoints) == 0 && c.Endpoint == "":
		return fmt.Errorf("config: endpoint is required without etcd_endpoints")
	case len(c.EtcdEndpoints) > 0 && c.Service == "":
		return fmt.Errorf("config: service is required with etcd_endpoints")
	case c.RateLimit < 0:
		return fmt.Errorf("config: rate_limit must not be negative")
	case c.RateLimit > 0 && c.RateBurst < 1:
		return fmt.Errorf("config: rate_burst must be at least 1")
	case c.Retries < 0:
		return fmt.Errorf("config: retries must not be negative")
	}
	if _, err := loadbalance.New(c.Balancer, ""); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
