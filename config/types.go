// Package config loads and validates the YAML configuration for both
// binaries: the broker (smp-server) and the duplex agent (smp-agent).
// Both share the same load-defaults-then-environment-override shape:
// ${VAR:default} tokens in an optional file are substituted, the file is
// parsed, defaults fill anything left zero, then SIMPLEXMQ_-prefixed
// environment variables take final precedence.
package config

import "time"

// ServerConfig is smp-server's configuration, per spec.md §6.
type ServerConfig struct {
	TCPPort              int           `yaml:"tcp_port"`
	WSAddr               string        `yaml:"ws_addr"` // optional second listener for browser-facing WebSocket clients
	TLSPrivateKeyFile    string        `yaml:"tls_private_key_file"`
	TLSCertificateFile   string        `yaml:"tls_certificate_file"`
	SQLiteDatabase       string        `yaml:"sqlite_database"`
	MessageQuotaPerQueue int           `yaml:"message_quota_per_queue"`
	MaxActiveQueues      int           `yaml:"max_active_queues"`
	LogLevel             string        `yaml:"log_level"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	HealthAddr           string        `yaml:"health_addr"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// KnownServer is one entry of an agent's initial server list: a host the
// agent may dial for NEW/JOIN before it has learned anything from peers.
type KnownServer struct {
	KeyHash string `yaml:"key_hash"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// AgentConfig is smp-agent's configuration, per spec.md §6.
type AgentConfig struct {
	DatabasePath     string        `yaml:"database_path"`
	KnownServers     []KnownServer `yaml:"known_servers"`
	DefaultReplyMode string        `yaml:"default_reply_mode"` // "off" or "on"
	LogLevel         string        `yaml:"log_level"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	HealthAddr       string        `yaml:"health_addr"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	ControlAddr      string        `yaml:"control_addr"` // local HTTP control API (NewConn/JoinConn/Send/Subscribe/Ack)
}
