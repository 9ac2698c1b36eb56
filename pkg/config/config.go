// Package config loads platform configuration from the environment with an
// optional YAML overlay file. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for a simforge process. A node and a
// control plane read the same struct; each uses the sections it needs.
type Config struct {
	Auth         AuthConfig      `yaml:"auth"`
	Container    ContainerConfig `yaml:"container"`
	ControlPlane ControlConfig   `yaml:"control_plane"`
	Proxy        ProxyConfig     `yaml:"proxy"`
	State        StateConfig     `yaml:"state"`
	HTTP         HTTPConfig      `yaml:"http"`
}

// AuthConfig configures the auth core.
type AuthConfig struct {
	// JWTSecret signs bearer tokens. When empty a random key is generated
	// at startup, which invalidates all previously issued tokens on
	// process restart.
	JWTSecret          string `env:"SIMFORGE_JWT_SECRET" yaml:"jwt_secret"`
	JWTIssuer          string `env:"SIMFORGE_JWT_ISSUER" envDefault:"simforge" yaml:"jwt_issuer"`
	SessionExpiryHours int    `env:"SIMFORGE_SESSION_EXPIRY_HOURS" envDefault:"24" yaml:"session_expiry_hours"`
	BcryptCost         int    `env:"SIMFORGE_BCRYPT_COST" envDefault:"10" yaml:"bcrypt_cost"`
	// AdminUsername/AdminPassword, when both set, seed an admin user with
	// the wildcard scope at startup if no such user exists.
	AdminUsername string `env:"SIMFORGE_ADMIN_USERNAME" yaml:"admin_username"`
	AdminPassword string `env:"SIMFORGE_ADMIN_PASSWORD" yaml:"admin_password"`
}

// ContainerConfig bounds the per-node container runtime.
type ContainerConfig struct {
	MaxEntitiesPerContainer int `env:"SIMFORGE_MAX_ENTITIES_PER_CONTAINER" envDefault:"100000" yaml:"max_entities_per_container"`
	CommandQueueCapacity    int `env:"SIMFORGE_COMMAND_QUEUE_CAPACITY" envDefault:"1024" yaml:"command_queue_capacity"`
	TickCommandBudget       int `env:"SIMFORGE_TICK_COMMAND_BUDGET" envDefault:"256" yaml:"tick_command_budget"`
	SnapshotHistorySize     int `env:"SIMFORGE_SNAPSHOT_HISTORY_SIZE" envDefault:"256" yaml:"snapshot_history_size"`
	StopTimeoutMs           int `env:"SIMFORGE_STOP_TIMEOUT_MS" envDefault:"5000" yaml:"stop_timeout_ms"`
	MaxContainers           int `env:"SIMFORGE_MAX_CONTAINERS" envDefault:"64" yaml:"max_containers"`
	WSCommandsPerSecond     int `env:"SIMFORGE_WS_COMMANDS_PER_SECOND" envDefault:"50" yaml:"ws_commands_per_second"`
}

// ControlConfig configures the control plane.
type ControlConfig struct {
	NodeTTLSeconds       int     `env:"SIMFORGE_NODE_TTL_SECONDS" envDefault:"30" yaml:"node_ttl_seconds"`
	AutoscalerIntervalMs int     `env:"SIMFORGE_AUTOSCALER_INTERVAL_MS" envDefault:"15000" yaml:"autoscaler_interval_ms"`
	CPUHighWatermark     float64 `env:"SIMFORGE_CPU_HIGH_WATERMARK" envDefault:"0.85" yaml:"cpu_high_watermark"`
	CPULowWatermark      float64 `env:"SIMFORGE_CPU_LOW_WATERMARK" envDefault:"0.30" yaml:"cpu_low_watermark"`
	MinNodes             int     `env:"SIMFORGE_MIN_NODES" envDefault:"1" yaml:"min_nodes"`
	BreachWindows        int     `env:"SIMFORGE_AUTOSCALER_BREACH_WINDOWS" envDefault:"3" yaml:"autoscaler_breach_windows"`
	DeployTimeoutMs      int     `env:"SIMFORGE_DEPLOY_TIMEOUT_MS" envDefault:"30000" yaml:"deploy_timeout_ms"`
	// NodeAPIToken authenticates the control plane's calls to node APIs
	// (deployments, artifact pushes).
	NodeAPIToken string `env:"SIMFORGE_NODE_API_TOKEN" yaml:"node_api_token"`
}

// ProxyConfig configures the node proxy.
type ProxyConfig struct {
	Enabled          bool     `env:"SIMFORGE_PROXY_ENABLED" envDefault:"true" yaml:"proxy_enabled"`
	ForwardedHeaders []string `env:"SIMFORGE_FORWARDED_HEADERS" envDefault:"Authorization,X-Api-Token,X-*" yaml:"forwarded_headers"`
}

// StateConfig selects the persistence backend.
type StateConfig struct {
	// Backend is one of "memory", "sqlite", "postgres", or "disabled".
	// With "disabled", snapshot history endpoints return 503.
	Backend     string `env:"SIMFORGE_STATE_BACKEND" envDefault:"memory" yaml:"backend"`
	SQLitePath  string `env:"SIMFORGE_STATE_SQLITE_PATH" envDefault:"simforge.db" yaml:"sqlite_path"`
	PostgresDSN string `env:"SIMFORGE_STATE_POSTGRES_DSN" yaml:"postgres_dsn"`
}

// HTTPConfig configures the listeners.
type HTTPConfig struct {
	ListenAddr       string `env:"SIMFORGE_LISTEN_ADDR" envDefault:":8080" yaml:"listen_addr"`
	AdvertiseAddress string `env:"SIMFORGE_ADVERTISE_ADDRESS" yaml:"advertise_address"`
	NodeID           string `env:"SIMFORGE_NODE_ID" yaml:"node_id"`
	ControlPlaneURL  string `env:"SIMFORGE_CONTROL_PLANE_URL" yaml:"control_plane_url"`
	// AgentToken authenticates this node's registration and heartbeats
	// against the control plane. Usually an API token with the
	// control-plane.node.register scope.
	AgentToken string `env:"SIMFORGE_AGENT_TOKEN" yaml:"agent_token"`
}

// Load parses configuration from the environment. When path is non-empty the
// YAML file is read first, then environment variables override it.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Container.CommandQueueCapacity <= 0 {
		return fmt.Errorf("command_queue_capacity must be positive")
	}
	if c.Container.SnapshotHistorySize <= 0 {
		return fmt.Errorf("snapshot_history_size must be positive")
	}
	if c.ControlPlane.CPULowWatermark >= c.ControlPlane.CPUHighWatermark {
		return fmt.Errorf("cpu_low_watermark must be below cpu_high_watermark")
	}
	if c.ControlPlane.MinNodes < 0 {
		return fmt.Errorf("min_nodes must be non-negative")
	}
	switch c.State.Backend {
	case "memory", "sqlite", "postgres", "disabled":
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	return nil
}

// SessionExpiry returns the session lifetime as a duration.
func (c *AuthConfig) SessionExpiry() time.Duration {
	return time.Duration(c.SessionExpiryHours) * time.Hour
}

// StopTimeout returns the container stop deadline as a duration.
func (c *ContainerConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMs) * time.Millisecond
}

// NodeTTL returns the heartbeat TTL as a duration.
func (c *ControlConfig) NodeTTL() time.Duration {
	return time.Duration(c.NodeTTLSeconds) * time.Second
}

// AutoscalerInterval returns the autoscaler evaluation interval.
func (c *ControlConfig) AutoscalerInterval() time.Duration {
	return time.Duration(c.AutoscalerIntervalMs) * time.Millisecond
}

// DeployTimeout returns the per-deployment deadline.
func (c *ControlConfig) DeployTimeout() time.Duration {
	return time.Duration(c.DeployTimeoutMs) * time.Millisecond
}
