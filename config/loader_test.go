package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("", LoaderOptions{ConfigDir: t.TempDir(), SkipValidation: true})
	require.NoError(t, err)
	require.Equal(t, 5223, cfg.TCPPort)
	require.Equal(t, "smp-server.db", cfg.SQLiteDatabase)
	require.Equal(t, 128, cfg.MessageQuotaPerQueue)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadServerConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	writeFile(t, path, `
tcp_port: 7777
tls_private_key_file: /etc/smp/key.pem
tls_certificate_file: /etc/smp/cert.pem
sqlite_database: /var/lib/smp/server.db
message_quota_per_queue: 64
max_active_queues: 1000
log_level: debug
`)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.Equal(t, 7777, cfg.TCPPort)
	require.Equal(t, "/etc/smp/key.pem", cfg.TLSPrivateKeyFile)
	require.Equal(t, 64, cfg.MessageQuotaPerQueue)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigMissingTLSFails(t *testing.T) {
	_, err := LoadServerConfig("", LoaderOptions{ConfigDir: t.TempDir()})
	require.Error(t, err)
}

func TestLoadServerConfigEnvOverride(t *testing.T) {
	t.Setenv("SIMPLEXMQ_TCP_PORT", "9999")
	cfg, err := LoadServerConfig("", LoaderOptions{ConfigDir: t.TempDir(), SkipValidation: true})
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.TCPPort)
}

func TestLoadServerConfigEnvSubstitution(t *testing.T) {
	t.Setenv("SMQ_PORT", "4321")
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	writeFile(t, path, `
tcp_port: ${SMQ_PORT}
tls_private_key_file: /etc/smp/key.pem
tls_certificate_file: /etc/smp/cert.pem
`)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.Equal(t, 4321, cfg.TCPPort)
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	cfg, err := LoadAgentConfig("", LoaderOptions{ConfigDir: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, "smp-agent.db", cfg.DatabasePath)
	require.Equal(t, "on", cfg.DefaultReplyMode)
}

func TestLoadAgentConfigKnownServers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	writeFile(t, path, `
database_path: /var/lib/smp/agent.db
default_reply_mode: "off"
known_servers:
  - host: smp1.example.com
    port: 5223
    key_hash: abc123
  - host: smp2.example.com
`)

	cfg, err := LoadAgentConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.KnownServers, 2)
	require.Equal(t, "smp1.example.com", cfg.KnownServers[0].Host)
	require.Equal(t, "off", cfg.DefaultReplyMode)
}

func TestLoadAgentConfigInvalidReplyMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	writeFile(t, path, "default_reply_mode: sometimes\n")

	_, err := LoadAgentConfig(path)
	require.Error(t, err)
}
