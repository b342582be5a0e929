package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// defaultConfigPath is consulted when -config is not given; a fleet rollout
// drops one file here and every crontab line picks it up.
const defaultConfigPath = "/etc/switchman.toml"

// ZooKeeperConfiguration locates the coordination ensemble.
type ZooKeeperConfiguration struct {
	Servers          []string `toml:"servers"`
	SessionTimeoutMS int      `toml:"session_timeout_ms"`
	Prefix           string   `toml:"prefix"` // Root node under which all state lives
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// TelemetryConfiguration controls the metrics pushed on completion
type TelemetryConfiguration struct {
	Enabled        bool   `toml:"enabled"`
	PushgatewayURL string `toml:"pushgateway_url"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID   uint64 `toml:"node_id"`
	Hostname string `toml:"hostname"` // Name matched against group membership (defaults to OS hostname)

	ZooKeeper ZooKeeperConfiguration `toml:"zookeeper"`
	Logging   LoggingConfiguration   `toml:"logging"`
	Telemetry TelemetryConfiguration `toml:"telemetry"`
}

// leaseList collects the repeatable -lease flag.
type leaseList []string

func (l *leaseList) String() string {
	return strings.Join(*l, ",")
}

func (l *leaseList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", defaultConfigPath, "Path to configuration file")
	GroupFlag      = flag.String("group", "", "Execution group this host must belong to (empty = unrestricted)")
	LockNameFlag   = flag.String("lockname", "", "Exclusive lock name (default: command basename)")
	VerboseFlag    = flag.Bool("verbose", false, "Debug logging (overrides config)")
	LeasesFlag     leaseList
)

func init() {
	flag.Var(&LeasesFlag, "lease", "Resource lease as resource=count:total (repeatable)")
}

// Default configuration
var Config = &Configuration{
	NodeID:   0,  // Auto-generate
	Hostname: "", // Auto-detect

	ZooKeeper: ZooKeeperConfiguration{
		Servers:          []string{"127.0.0.1:2181"},
		SessionTimeoutMS: 10000,
		Prefix:           "/switchman",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Telemetry: TelemetryConfiguration{
		Enabled:        false,
		PushgatewayURL: "",
	},
}

// Load loads configuration from file and applies CLI and environment
// overrides. A missing file at the default path is normal; a missing file
// the operator named explicitly is an error.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Debug().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else if configExplicit() {
			return fmt.Errorf("config file: %w", err)
		} else {
			log.Debug().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI and environment overrides
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}
	if os.Getenv("SWITCHMAN_VERBOSE") != "" {
		Config.Logging.Verbose = true
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		nodeID, err := generateNodeID()
		if err != nil {
			// Hosts without a machine id (minimal containers) still
			// need a stable identity for log and metric grouping.
			log.Warn().Err(err).Msg("No machine ID, deriving node ID from hostname")
			name, _ := os.Hostname()
			h := fnv.New64a()
			h.Write([]byte(name))
			nodeID = h.Sum64()
		}
		Config.NodeID = nodeID
		log.Debug().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

// configExplicit reports whether -config was set on the command line.
func configExplicit() bool {
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	return explicit
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("switchman")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if len(Config.ZooKeeper.Servers) == 0 {
		return fmt.Errorf("no zookeeper servers configured")
	}

	if Config.ZooKeeper.SessionTimeoutMS < 1000 {
		return fmt.Errorf("zookeeper session timeout must be >= 1000 ms, got %d", Config.ZooKeeper.SessionTimeoutMS)
	}

	prefix := Config.ZooKeeper.Prefix
	if prefix == "" || prefix[0] != '/' {
		return fmt.Errorf("zookeeper prefix %q must be an absolute path", prefix)
	}
	if prefix == "/" || strings.HasSuffix(prefix, "/") {
		// Container paths are built by appending to the prefix.
		return fmt.Errorf("zookeeper prefix %q must name a node below the root", prefix)
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", Config.Logging.Format)
	}

	// Auto-fill hostname if not provided
	if Config.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine hostname: %w", err)
		}
		Config.Hostname = hostname
		log.Debug().Str("hostname", hostname).Msg("Auto-detected hostname")
	}

	if Config.Telemetry.Enabled && Config.Telemetry.PushgatewayURL == "" {
		return fmt.Errorf("telemetry enabled but pushgateway_url not configured")
	}

	return nil
}
