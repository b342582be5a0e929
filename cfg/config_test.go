package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

// validConfig returns a fresh Configuration that passes Validate, so each
// test mutates its own copy rather than the package default.
func validConfig() *Configuration {
	return &Configuration{
		NodeID:   1,
		Hostname: "web01",
		ZooKeeper: ZooKeeperConfiguration{
			Servers:          []string{"127.0.0.1:2181"},
			SessionTimeoutMS: 10000,
			Prefix:           "/switchman",
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_NoServers(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.ZooKeeper.Servers = nil

	if err := Validate(); err == nil {
		t.Error("Expected error for empty server list")
	}
}

func TestValidate_SessionTimeoutTooShort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.ZooKeeper.SessionTimeoutMS = 500

	if err := Validate(); err == nil {
		t.Error("Expected error for sub-second session timeout")
	}
}

func TestValidate_BadPrefix(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, prefix := range []string{"", "switchman", "/switchman/", "/"} {
		Config = validConfig()
		Config.ZooKeeper.Prefix = prefix

		if err := Validate(); err == nil {
			t.Errorf("Expected error for prefix %q", prefix)
		}
	}
}

func TestValidate_BadLogFormat(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Logging.Format = "xml"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown log format")
	}
}

func TestValidate_HostnameAutoFill(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Hostname = ""

	if err := Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want, err := os.Hostname()
	if err != nil {
		t.Fatalf("os.Hostname: %v", err)
	}
	if Config.Hostname != want {
		t.Errorf("Hostname = %q, want %q", Config.Hostname, want)
	}
}

func TestValidate_ExplicitHostnameKept(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Hostname = "alias-for-group-matching"

	if err := Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if Config.Hostname != "alias-for-group-matching" {
		t.Errorf("Hostname = %q, want explicit value kept", Config.Hostname)
	}
}

func TestValidate_TelemetryNeedsURL(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Telemetry.Enabled = true

	if err := Validate(); err == nil {
		t.Error("Expected error for telemetry without pushgateway URL")
	}

	Config.Telemetry.PushgatewayURL = "http://pushgateway:9091"
	if err := Validate(); err != nil {
		t.Errorf("Expected no error with pushgateway URL, got: %v", err)
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	missing := filepath.Join(t.TempDir(), "absent.toml")

	if err := Load(missing); err != nil {
		t.Fatalf("Load with absent default-path file: %v", err)
	}
	if Config.ZooKeeper.Prefix != "/switchman" {
		t.Errorf("Prefix = %q, want untouched default", Config.ZooKeeper.Prefix)
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = validConfig()

	path := filepath.Join(t.TempDir(), "switchman.toml")
	content := `
node_id = 42
hostname = "web99"

[zookeeper]
servers = ["zk1:2181", "zk2:2181"]
session_timeout_ms = 5000
prefix = "/gate"

[logging]
verbose = true
format = "json"

[telemetry]
enabled = true
pushgateway_url = "http://pushgateway:9091"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if Config.NodeID != 42 {
		t.Errorf("NodeID = %d, want 42", Config.NodeID)
	}
	if Config.Hostname != "web99" {
		t.Errorf("Hostname = %q, want web99", Config.Hostname)
	}
	if len(Config.ZooKeeper.Servers) != 2 || Config.ZooKeeper.Servers[0] != "zk1:2181" {
		t.Errorf("Servers = %v", Config.ZooKeeper.Servers)
	}
	if Config.ZooKeeper.SessionTimeoutMS != 5000 {
		t.Errorf("SessionTimeoutMS = %d, want 5000", Config.ZooKeeper.SessionTimeoutMS)
	}
	if Config.ZooKeeper.Prefix != "/gate" {
		t.Errorf("Prefix = %q, want /gate", Config.ZooKeeper.Prefix)
	}
	if !Config.Logging.Verbose || Config.Logging.Format != "json" {
		t.Errorf("Logging = %+v", Config.Logging)
	}
	if !Config.Telemetry.Enabled || Config.Telemetry.PushgatewayURL != "http://pushgateway:9091" {
		t.Errorf("Telemetry = %+v", Config.Telemetry)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = validConfig()

	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("[[[ not toml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := Load(path); err == nil {
		t.Error("Expected error for malformed config file")
	}
}

func TestLoad_NodeIDGenerated(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.NodeID = 0
	missing := filepath.Join(t.TempDir(), "absent.toml")

	if err := Load(missing); err != nil {
		t.Fatalf("Load: %v", err)
	}
	first := Config.NodeID
	if first == 0 {
		t.Fatal("NodeID not generated")
	}

	// The id derives from stable host identity, so regeneration must
	// agree with the first run.
	Config.NodeID = 0
	if err := Load(missing); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Config.NodeID != first {
		t.Errorf("NodeID = %d on regeneration, want %d", Config.NodeID, first)
	}
}

func TestLoad_EnvVerbose(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	t.Setenv("SWITCHMAN_VERBOSE", "1")

	missing := filepath.Join(t.TempDir(), "absent.toml")
	if err := Load(missing); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !Config.Logging.Verbose {
		t.Error("SWITCHMAN_VERBOSE did not enable verbose logging")
	}
}
