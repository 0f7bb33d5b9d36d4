package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Log          LogConfig         `yaml:"log"`
	Database     DatabaseConfig    `yaml:"database"`
	Transport    TransportConfig   `yaml:"transport"`
	NATS         NATSConfig        `yaml:"nats"`
	Authority    AuthorityConfig   `yaml:"authority"`
	Remote       RemoteConfig      `yaml:"remote"`
	Reconcile    ReconcileConfig   `yaml:"reconcile"`
	Gateway      GatewayConfig     `yaml:"gateway"`
	Outbox       OutboxConfig      `yaml:"outbox"`
	Integrations IntegrationConfig `yaml:"integrations"`
	API          APIConfig         `yaml:"api"`
	JWT          JWTConfig         `yaml:"jwt"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Path            string        `yaml:"path"`
	BusyTimeout     int           `yaml:"busy_timeout"`
	WALMode         bool          `yaml:"wal_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TransportConfig 网状网络传输配置
type TransportConfig struct {
	Kind        string        `yaml:"kind"`
	UDPBind     string        `yaml:"udp_bind"`
	DaemonAddr  string        `yaml:"daemon_addr"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	InboxSize   int           `yaml:"inbox_size"`
	GatewayID   string        `yaml:"gateway_id"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// AuthorityConfig 远程管理服务配置
type AuthorityConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	SkipHostCheck     bool          `yaml:"skip_host_check"`
	HostCheckInterval time.Duration `yaml:"host_check_interval"`
}

// RemoteConfig 远程调用工作池配置
type RemoteConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ReconcileConfig 协调周期配置
type ReconcileConfig struct {
	SyncInterval      time.Duration `yaml:"sync_interval"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	LivenessInterval  time.Duration `yaml:"liveness_interval"`
	PurgeUnassociated bool          `yaml:"purge_unassociated"`
}

// GatewayConfig 主循环配置
type GatewayConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	AssignHold   time.Duration `yaml:"assign_hold"`
}

// OutboxConfig 发件箱配置
type OutboxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// IntegrationConfig 集成输出配置
type IntegrationConfig struct {
	BufferSize int                   `yaml:"buffer_size"`
	Timeout    time.Duration         `yaml:"timeout"`
	NATS       NATSIntegrationConfig `yaml:"nats"`
	MQTT       MQTTIntegrationConfig `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig        `yaml:"influxdb"`
}

// NATSIntegrationConfig 通过 NATS 发布读数
type NATSIntegrationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SubjectPattern string `yaml:"subject_pattern"`
}

// MQTTIntegrationConfig 通过 MQTT 发布读数
type MQTTIntegrationConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BrokerURL          string `yaml:"broker_url"`
	ClientID           string `yaml:"client_id"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPattern       string `yaml:"topic_pattern"`
	QoS                byte   `yaml:"qos"`
	TLS                bool   `yaml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// InfluxDBConfig 读数写入 InfluxDB
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     uint   `yaml:"batch_size"`
	FlushInterval uint   `yaml:"flush_interval_ms"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	Issuer         string        `yaml:"issuer"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if authorityURL := os.Getenv("AUTHORITY_URL"); authorityURL != "" {
		c.Authority.BaseURL = authorityURL
	}

	if apiKey := os.Getenv("AUTHORITY_API_KEY"); apiKey != "" {
		c.Authority.APIKey = apiKey
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "mesh-gateway"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "data/mesh-gateway.db"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5000
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = "udp"
	}
	if c.Transport.UDPBind == "" {
		c.Transport.UDPBind = "127.0.0.1:1700"
	}
	if c.Transport.DaemonAddr == "" {
		c.Transport.DaemonAddr = "127.0.0.1:1701"
	}
	if c.Transport.SendTimeout == 0 {
		c.Transport.SendTimeout = 500 * time.Millisecond
	}
	if c.Transport.InboxSize == 0 {
		c.Transport.InboxSize = 1024
	}
	if c.Transport.GatewayID == "" {
		c.Transport.GatewayID = "gw0"
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.Authority.Timeout == 0 {
		c.Authority.Timeout = 10 * time.Second
	}
	if c.Authority.HostCheckInterval == 0 {
		c.Authority.HostCheckInterval = 30 * time.Second
	}

	if c.Remote.Workers == 0 {
		c.Remote.Workers = 2
	}
	if c.Remote.QueueSize == 0 {
		c.Remote.QueueSize = 256
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = c.Authority.Timeout
	}

	if c.Reconcile.SyncInterval == 0 {
		c.Reconcile.SyncInterval = time.Hour
	}
	if c.Reconcile.DiscoveryInterval == 0 {
		c.Reconcile.DiscoveryInterval = time.Minute
	}
	if c.Reconcile.LivenessInterval == 0 {
		c.Reconcile.LivenessInterval = time.Hour
	}

	if c.Gateway.PollInterval == 0 {
		c.Gateway.PollInterval = 5 * time.Millisecond
	}
	if c.Gateway.AssignHold == 0 {
		c.Gateway.AssignHold = time.Minute
	}

	if c.Outbox.Path == "" {
		c.Outbox.Path = "data/outbox"
	}
	if c.Outbox.RetryInterval == 0 {
		c.Outbox.RetryInterval = 30 * time.Second
	}

	if c.Integrations.BufferSize == 0 {
		c.Integrations.BufferSize = 256
	}
	if c.Integrations.Timeout == 0 {
		c.Integrations.Timeout = 5 * time.Second
	}
	if c.Integrations.NATS.SubjectPattern == "" {
		c.Integrations.NATS.SubjectPattern = "mesh.{gateway_id}.readings.{kind}"
	}
	if c.Integrations.MQTT.TopicPattern == "" {
		c.Integrations.MQTT.TopicPattern = "mesh/{gateway_id}/{device_id}/{kind}"
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.API.AdminUser == "" {
		c.API.AdminUser = "admin"
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "mesh-gateway"
	}
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}

	switch c.Transport.Kind {
	case "udp", "nats", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported transport.kind %q", c.Transport.Kind))
	}

	if c.Authority.BaseURL == "" {
		errs = append(errs, errors.New("authority.base_url is required"))
	} else if !strings.HasPrefix(c.Authority.BaseURL, "http://") && !strings.HasPrefix(c.Authority.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("authority.base_url %q must be an http(s) URL", c.Authority.BaseURL))
	}

	if c.Remote.Workers < 1 {
		errs = append(errs, errors.New("remote.workers must be at least 1"))
	}
	if c.Remote.QueueSize < 1 {
		errs = append(errs, errors.New("remote.queue_size must be at least 1"))
	}

	if c.Integrations.MQTT.Enabled && c.Integrations.MQTT.BrokerURL == "" {
		errs = append(errs, errors.New("integrations.mqtt.broker_url is required"))
	}
	if c.Integrations.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("integrations.mqtt.qos %d out of range", c.Integrations.MQTT.QoS))
	}
	if c.Integrations.InfluxDB.Enabled && (c.Integrations.InfluxDB.URL == "" || c.Integrations.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("integrations.influxdb.url and bucket are required"))
	}

	if c.API.Enabled {
		if c.JWT.Secret == "" {
			errs = append(errs, errors.New("jwt.secret is required when the api is enabled"))
		}
		if c.API.AdminPasswordHash == "" {
			errs = append(errs, errors.New("api.admin_password_hash is required when the api is enabled"))
		}
	}

	return errors.Join(errs...)
}

// NeedsNATS 是否需要 NATS 连接
func (c *Config) NeedsNATS() bool {
	return c.Transport.Kind == "nats" || c.Integrations.NATS.Enabled
}

// APIAddr returns host:port of the status API
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== Mesh Gateway Configuration ===\n")
	fmt.Printf("Server: %s %s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Log: level=%s format=%s\n", c.Log.Level, c.Log.Format)

	switch c.Database.Driver {
	case "sqlite":
		fmt.Printf("Database: sqlite %s (wal=%v)\n", c.Database.Path, c.Database.WALMode)
	default:
		fmt.Printf("Database: %s\n", c.Database.Driver)
	}

	switch c.Transport.Kind {
	case "udp":
		fmt.Printf("Transport: udp bind=%s daemon=%s\n", c.Transport.UDPBind, c.Transport.DaemonAddr)
	case "nats":
		fmt.Printf("Transport: nats %s gateway=%s\n", c.NATS.URL, c.Transport.GatewayID)
	default:
		fmt.Printf("Transport: %s\n", c.Transport.Kind)
	}
	fmt.Printf("  Send Timeout: %s\n", c.Transport.SendTimeout)

	fmt.Printf("Authority: %s (timeout %s, host check %v)\n",
		c.Authority.BaseURL, c.Authority.Timeout, !c.Authority.SkipHostCheck)
	fmt.Printf("Remote Workers: %d (queue %d)\n", c.Remote.Workers, c.Remote.QueueSize)
	fmt.Printf("Reconcile: sync=%s discovery=%s liveness=%s purge=%v\n",
		c.Reconcile.SyncInterval, c.Reconcile.DiscoveryInterval,
		c.Reconcile.LivenessInterval, c.Reconcile.PurgeUnassociated)
	fmt.Printf("Outbox: enabled=%v path=%s retry=%s\n", c.Outbox.Enabled, c.Outbox.Path, c.Outbox.RetryInterval)
	fmt.Printf("Integrations: nats=%v mqtt=%v influxdb=%v\n",
		c.Integrations.NATS.Enabled, c.Integrations.MQTT.Enabled, c.Integrations.InfluxDB.Enabled)
	if c.API.Enabled {
		fmt.Printf("API: %s\n", c.APIAddr())
	}

	fmt.Printf("==================================\n")
}
