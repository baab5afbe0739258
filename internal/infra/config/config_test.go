package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"openclawchat/internal/security"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
	// WriteFile is subject to umask; force the mode under test.
	if err := os.Chmod(path, perm); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Gateway.URL != "ws://127.0.0.1:18789" {
		t.Errorf("Gateway.URL = %q, want %q", cfg.Gateway.URL, "ws://127.0.0.1:18789")
	}
	if cfg.Gateway.Role != "operator" {
		t.Errorf("Gateway.Role = %q, want %q", cfg.Gateway.Role, "operator")
	}
	if cfg.Gateway.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", cfg.Gateway.ConnectTimeout)
	}
	if !strings.HasSuffix(cfg.Identity.Path, filepath.Join("identity", "device.json")) {
		t.Errorf("Identity.Path = %q", cfg.Identity.Path)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.HistoryLimit != 50 {
		t.Errorf("expected defaults, got HistoryLimit=%d", cfg.Chat.HistoryLimit)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: "wss://gw.example.com:443"
  token: "tok"
  role: "node"
  scopes: ["node.invoke"]
  connect_timeout: 5s
  client:
    display_name: "desk"
chat:
  session_key: "ops"
  history_limit: 20
reconnect:
  max_failures: 9
discovery:
  static:
    - name: "lab"
      host: "10.0.0.5"
      port: 18789
logger:
  level: "debug"
`, 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "wss://gw.example.com:443" {
		t.Errorf("Gateway.URL = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.Role != "node" {
		t.Errorf("Gateway.Role = %q, want node", cfg.Gateway.Role)
	}
	if len(cfg.Gateway.Scopes) != 1 || cfg.Gateway.Scopes[0] != "node.invoke" {
		t.Errorf("Gateway.Scopes = %v", cfg.Gateway.Scopes)
	}
	if cfg.Gateway.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.Gateway.ConnectTimeout)
	}
	if cfg.Gateway.Client.DisplayName != "desk" {
		t.Errorf("Client.DisplayName = %q", cfg.Gateway.Client.DisplayName)
	}
	// Unset nested fields keep their defaults.
	if cfg.Gateway.Client.ID != "cli" {
		t.Errorf("Client.ID = %q, want default %q", cfg.Gateway.Client.ID, "cli")
	}
	if cfg.Chat.SessionKey != "ops" || cfg.Chat.HistoryLimit != 20 {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if cfg.Reconnect.MaxFailures != 9 {
		t.Errorf("Reconnect.MaxFailures = %d, want 9", cfg.Reconnect.MaxFailures)
	}
	if cfg.Reconnect.MinInterval != time.Second {
		t.Errorf("Reconnect.MinInterval = %v, want default 1s", cfg.Reconnect.MinInterval)
	}
	if len(cfg.Discovery.Static) != 1 || cfg.Discovery.Static[0].Port != 18789 {
		t.Errorf("Discovery.Static = %+v", cfg.Discovery.Static)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "gateway: [not, a, map", 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "gateway:\n  url: \"http://example.com\"\n", 0o600)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if !strings.Contains(ve.Error(), "ws:// or wss://") {
		t.Errorf("error = %q", ve.Error())
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "logger:\n  level: debug\n", 0o666)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected permission error")
	}
	if !strings.Contains(err.Error(), "insecure permissions") {
		t.Errorf("error = %q", err)
	}
}

func TestLoadAllowsWorldReadable(t *testing.T) {
	path := writeConfig(t, "logger:\n  level: warn\n", 0o644)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want warn", cfg.Logger.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENCLAW_GATEWAY_URL", "ws://10.1.1.1:9000")
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "env-token")
	t.Setenv("OPENCLAW_GATEWAY_SCOPES", "operator.read, operator.admin ,")
	t.Setenv("OPENCLAW_GATEWAY_CONNECT_TIMEOUT", "2s")
	t.Setenv("OPENCLAW_SESSION_KEY", "env-session")
	t.Setenv("OPENCLAW_HISTORY_LIMIT", "7")
	t.Setenv("OPENCLAW_LOGGER_LEVEL", "debug")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Gateway.URL != "ws://10.1.1.1:9000" {
		t.Errorf("Gateway.URL = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.Token != "env-token" {
		t.Errorf("Gateway.Token = %q", cfg.Gateway.Token)
	}
	want := []string{"operator.read", "operator.admin"}
	if strings.Join(cfg.Gateway.Scopes, "|") != strings.Join(want, "|") {
		t.Errorf("Gateway.Scopes = %v, want %v", cfg.Gateway.Scopes, want)
	}
	if cfg.Gateway.ConnectTimeout != 2*time.Second {
		t.Errorf("ConnectTimeout = %v, want 2s", cfg.Gateway.ConnectTimeout)
	}
	if cfg.Chat.SessionKey != "env-session" {
		t.Errorf("Chat.SessionKey = %q", cfg.Chat.SessionKey)
	}
	if cfg.Chat.HistoryLimit != 7 {
		t.Errorf("Chat.HistoryLimit = %d, want 7", cfg.Chat.HistoryLimit)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
}

func TestEnvOverridesIgnoreBadValues(t *testing.T) {
	t.Setenv("OPENCLAW_GATEWAY_CONNECT_TIMEOUT", "soon")
	t.Setenv("OPENCLAW_HISTORY_LIMIT", "-3")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Gateway.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want default", cfg.Gateway.ConnectTimeout)
	}
	if cfg.Chat.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want default", cfg.Chat.HistoryLimit)
	}
}

func TestEnvOverrideBeatsFile(t *testing.T) {
	t.Setenv("OPENCLAW_GATEWAY_URL", "ws://override:1")
	path := writeConfig(t, "gateway:\n  url: \"ws://file:2\"\n", 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "ws://override:1" {
		t.Errorf("Gateway.URL = %q, want env value", cfg.Gateway.URL)
	}
}

func TestApplyEnvOverridesTracerEnabled(t *testing.T) {
	t.Setenv("OPENCLAW_TRACER_ENABLED", "true")
	t.Setenv("OPENCLAW_TRACER_EXPORTER", "stdout")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled = false, want true")
	}
	if cfg.Tracer.Exporter != "stdout" {
		t.Errorf("Tracer.Exporter = %q, want stdout", cfg.Tracer.Exporter)
	}
}

func TestApplyEnvOverridesDiscovery(t *testing.T) {
	t.Setenv("OPENCLAW_DISCOVERY_ENABLED", "false")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Discovery.Enabled {
		t.Error("Discovery.Enabled = true, want false")
	}
}

func TestLoadDecryptsSecrets(t *testing.T) {
	sealed, err := security.SealString("s3cret", "pass")
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(PassphraseEnv, "pass")
	path := writeConfig(t, "gateway:\n  token: \""+sealed+"\"\n  password: \"plain\"\n", 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "s3cret" {
		t.Errorf("Gateway.Token = %q, want decrypted value", cfg.Gateway.Token)
	}
	if cfg.Gateway.Password != "plain" {
		t.Errorf("Gateway.Password = %q, want plaintext passthrough", cfg.Gateway.Password)
	}
}

func TestDecryptSecretsWrongPassphrase(t *testing.T) {
	sealed, err := security.SealString("s3cret", "right")
	if err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	cfg.Gateway.Password = sealed

	err = decryptSecrets(cfg, "wrong")
	if err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
	if !strings.Contains(err.Error(), "gateway.password") {
		t.Errorf("error = %q, want field name", err)
	}
}

func TestDecryptSecretsMissingPassphrase(t *testing.T) {
	sealed, err := security.SealString("s3cret", "pass")
	if err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	cfg.Gateway.Token = sealed

	err = decryptSecrets(cfg, "")
	if err == nil {
		t.Fatal("expected error without passphrase")
	}
	if !strings.Contains(err.Error(), PassphraseEnv) {
		t.Errorf("error = %q, want hint about %s", err, PassphraseEnv)
	}
}

func TestDecryptSecretsNoEncPrefix(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Token = "plain-token"
	if err := decryptSecrets(cfg, ""); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Gateway.Token != "plain-token" {
		t.Errorf("Gateway.Token = %q", cfg.Gateway.Token)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, b ,,c ", ",")
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("splitAndTrim = %q", got)
	}
}
