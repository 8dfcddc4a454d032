package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoaderOptions controls where a config file is looked up and which
// post-processing passes run. Zero value is sane; DefaultLoaderOptions
// covers the common case.
type LoaderOptions struct {
	ConfigDir           string
	Environment         string
	SkipEnvSubstitution bool
	SkipValidation      bool
}

// DefaultLoaderOptions returns options that look in "./config" for the
// current GetEnvironment.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{ConfigDir: "config", Environment: GetEnvironment()}
}

func resolveOptions(opts []LoaderOptions) LoaderOptions {
	if len(opts) > 0 {
		o := opts[0]
		if o.ConfigDir == "" {
			o.ConfigDir = "config"
		}
		if o.Environment == "" {
			o.Environment = GetEnvironment()
		}
		return o
	}
	return DefaultLoaderOptions()
}

// loadFile locates "{env}.yaml" then "default.yaml" then "config.yaml"
// under dir, returning the first that exists, or nil if none do.
func loadFile(dir, env string) ([]byte, error) {
	candidates := []string{
		filepath.Join(dir, env+".yaml"),
		filepath.Join(dir, "default.yaml"),
		filepath.Join(dir, "config.yaml"),
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return nil, nil
}

// LoadServerConfig loads smp-server's configuration from path (a single
// YAML file path, not a directory) when path is non-empty, otherwise from
// the conventional {env}.yaml/default.yaml/config.yaml search under
// opts.ConfigDir. ${VAR} tokens are substituted in the raw file text
// before it is parsed; then defaults are applied, then SIMPLEXMQ_
// environment overrides, then validation.
func LoadServerConfig(path string, opts ...LoaderOptions) (*ServerConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	o := resolveOptions(opts)

	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		data, err = loadFile(o.ConfigDir, o.Environment)
		if err != nil {
			return nil, err
		}
	}

	cfg := &ServerConfig{}
	if data != nil {
		if !o.SkipEnvSubstitution {
			data = []byte(SubstituteEnvVars(string(data)))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyServerDefaults(cfg)
	applyServerEnvOverrides(cfg)

	if !o.SkipValidation {
		if err := validateServerConfig(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadAgentConfig is LoadServerConfig's counterpart for smp-agent.
func LoadAgentConfig(path string, opts ...LoaderOptions) (*AgentConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	o := resolveOptions(opts)

	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		data, err = loadFile(o.ConfigDir, o.Environment)
		if err != nil {
			return nil, err
		}
	}

	cfg := &AgentConfig{}
	if data != nil {
		if !o.SkipEnvSubstitution {
			data = []byte(SubstituteEnvVars(string(data)))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyAgentDefaults(cfg)
	applyAgentEnvOverrides(cfg)

	if !o.SkipValidation {
		if err := validateAgentConfig(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.TCPPort == 0 {
		cfg.TCPPort = 5223
	}
	if cfg.SQLiteDatabase == "" {
		cfg.SQLiteDatabase = "smp-server.db"
	}
	if cfg.MessageQuotaPerQueue == 0 {
		cfg.MessageQuotaPerQueue = 128
	}
	if cfg.MaxActiveQueues == 0 {
		cfg.MaxActiveQueues = 1 << 20
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = ":8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10_000_000_000 // 10s, in time.Duration's int64 nanoseconds
	}
}

func applyAgentDefaults(cfg *AgentConfig) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "smp-agent.db"
	}
	if cfg.DefaultReplyMode == "" {
		cfg.DefaultReplyMode = "on"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9091"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = ":8081"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5_000_000_000 // 5s
	}
	if cfg.ControlAddr == "" {
		cfg.ControlAddr = ":7080"
	}
}

func applyServerEnvOverrides(cfg *ServerConfig) {
	envOverrideInt("TCP_PORT", &cfg.TCPPort)
	envOverrideString("WS_ADDR", &cfg.WSAddr)
	envOverrideString("TLS_PRIVATE_KEY_FILE", &cfg.TLSPrivateKeyFile)
	envOverrideString("TLS_CERTIFICATE_FILE", &cfg.TLSCertificateFile)
	envOverrideString("SQLITE_DATABASE", &cfg.SQLiteDatabase)
	envOverrideInt("MESSAGE_QUOTA_PER_QUEUE", &cfg.MessageQuotaPerQueue)
	envOverrideInt("MAX_ACTIVE_QUEUES", &cfg.MaxActiveQueues)
	envOverrideString("LOG_LEVEL", &cfg.LogLevel)
	envOverrideString("METRICS_ADDR", &cfg.MetricsAddr)
	envOverrideString("HEALTH_ADDR", &cfg.HealthAddr)
}

func applyAgentEnvOverrides(cfg *AgentConfig) {
	envOverrideString("DATABASE_PATH", &cfg.DatabasePath)
	envOverrideString("DEFAULT_REPLY_MODE", &cfg.DefaultReplyMode)
	envOverrideString("LOG_LEVEL", &cfg.LogLevel)
	envOverrideString("METRICS_ADDR", &cfg.MetricsAddr)
	envOverrideString("HEALTH_ADDR", &cfg.HealthAddr)
	envOverrideString("CONTROL_ADDR", &cfg.ControlAddr)
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return fmt.Errorf("config: tcp_port %d out of range", cfg.TCPPort)
	}
	if cfg.TLSCertificateFile == "" || cfg.TLSPrivateKeyFile == "" {
		return fmt.Errorf("config: tls_certificate_file and tls_private_key_file are required")
	}
	if cfg.MessageQuotaPerQueue <= 0 {
		return fmt.Errorf("config: message_quota_per_queue must be positive")
	}
	if cfg.MaxActiveQueues <= 0 {
		return fmt.Errorf("config: max_active_queues must be positive")
	}
	return nil
}

func validateAgentConfig(cfg *AgentConfig) error {
	if cfg.DefaultReplyMode != "off" && cfg.DefaultReplyMode != "on" {
		return fmt.Errorf("config: default_reply_mode must be \"off\" or \"on\", got %q", cfg.DefaultReplyMode)
	}
	return nil
}

// MustLoadServer is LoadServerConfig but panics on error.
func MustLoadServer(path string, opts ...LoaderOptions) *ServerConfig {
	cfg, err := LoadServerConfig(path, opts...)
	if err != nil {
		panic(err)
	}
	return cfg
}

// MustLoadAgent is LoadAgentConfig but panics on error.
func MustLoadAgent(path string, opts ...LoaderOptions) *AgentConfig {
	cfg, err := LoadAgentConfig(path, opts...)
	if err != nil {
		panic(err)
	}
	return cfg
}
