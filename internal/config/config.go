package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/soundrooms/internal/domain"
)

// ExitCodeBadConfig is the process exit code for unrecoverable startup errors.
const ExitCodeBadConfig = 1

var ErrMissingEnv = errors.New("missing required environment configuration")

type HeadsetRule struct {
	Threshold          int           `mapstructure:"threshold"`
	InactivityTimeout  time.Duration `mapstructure:"inactivity_timeout"`
	InactivityInterval time.Duration `mapstructure:"inactivity_check_interval"`
}

type RateLimit struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold int           `mapstructure:"threshold"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type SSL struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertHost string `mapstructure:"cert_host_name"`
}

type Production struct {
	ProjectID          string `mapstructure:"project_id"`
	RequiredOrigin     string `mapstructure:"required_origin"`
	DropViewerMessages bool   `mapstructure:"drop_viewer_messages"`
}

type Sync struct {
	Backend             string        `mapstructure:"backend"`
	TopicPrefix         string        `mapstructure:"topic_prefix"`
	HeartbeatPeriod     time.Duration `mapstructure:"heartbeat_period"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	WarmupListLength    int           `mapstructure:"warmup_list_length"`
	WarmupInterval      time.Duration `mapstructure:"warmup_interval"`
	SavePeriod          time.Duration `mapstructure:"save_period"`
	DeadPeerScanPeriod  time.Duration `mapstructure:"dead_peer_scan_period"`
	MonitorProbeTimeout time.Duration `mapstructure:"monitor_probe_timeout"`
	ScanProbeTimeout    time.Duration `mapstructure:"scan_probe_timeout"`
}

type Records struct {
	Backend string `mapstructure:"backend"`
}

type NATS struct {
	URL string `mapstructure:"url"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type S3 struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

type Config struct {
	Mode      string `mapstructure:"mode"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	ProjectID       string `mapstructure:"project_id"`
	LocalIPAddress  string `mapstructure:"local_ip_address"`
	EnvironmentName string `mapstructure:"environment_name"`

	ServerPort        int   `mapstructure:"ws_server_port"`
	BalancerPort      int   `mapstructure:"ws_balancer_port"`
	ReadLimit         int64 `mapstructure:"read_limit"`
	MaxClientsPerRoom int   `mapstructure:"max_clients_per_room"`

	RoomHeartbeatInterval  time.Duration `mapstructure:"room_heartbeat_interval"`
	ClientRoomJoinDeadline time.Duration `mapstructure:"client_room_join_deadline"`
	ErrorSweepInterval     time.Duration `mapstructure:"error_sweep_interval"`

	TimeoutSphereHolds      bool                   `mapstructure:"timeout_sphere_holds"`
	SphereHoldTimeout       time.Duration          `mapstructure:"sphere_hold_timeout"`
	SphereHoldCheckInterval time.Duration          `mapstructure:"sphere_hold_check_interval"`
	HeadsetRules            map[string]HeadsetRule `mapstructure:"headset_rules"`
	PerClientRateLimit      RateLimit              `mapstructure:"per_client_rate_limit"`
	PerMessageTypeRateLimit RateLimit              `mapstructure:"per_message_type_rate_limit"`

	Rooms        []string `mapstructure:"rooms"`
	RoomPoolSize int      `mapstructure:"room_pool_size"`

	SSL        SSL        `mapstructure:"ssl"`
	Production Production `mapstructure:"production"`
	Sync       Sync       `mapstructure:"sync"`
	Records    Records    `mapstructure:"records"`
	NATS       NATS       `mapstructure:"nats"`
	Redis      Redis      `mapstructure:"redis"`
	S3         S3         `mapstructure:"s3"`

	// Derived at load time.
	ServerID      domain.ServerID   `mapstructure:"-"`
	SyncTopicName string            `mapstructure:"-"`
	RoomNames     []domain.RoomName `mapstructure:"-"`
}

// legacyEnv maps config keys to the environment names deployments already use.
var legacyEnv = map[string]string{
	"project_id":           "PROJECT_ID",
	"local_ip_address":     "LOCAL_IP_ADDRESS",
	"environment_name":     "ENVIRONMENT_NAME",
	"ssl.enabled":          "USE_SSL",
	"ssl.cert_host_name":   "SSL_CERT_HOST_NAME",
	"ws_server_port":       "WS_SERVER_PORT",
	"ws_balancer_port":     "WS_BALANCER_PORT",
	"max_clients_per_room": "MAX_CLIENTS_PER_ROOM",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("ws_server_port", 8100)
	v.SetDefault("ws_balancer_port", 9100)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("max_clients_per_room", 10)

	v.SetDefault("room_heartbeat_interval", "5s")
	v.SetDefault("client_room_join_deadline", "5s")
	v.SetDefault("error_sweep_interval", "10s")

	v.SetDefault("timeout_sphere_holds", true)
	v.SetDefault("sphere_hold_timeout", "10s")
	v.SetDefault("sphere_hold_check_interval", "2500ms")

	for ht, threshold := range map[domain.HeadsetType]int{
		domain.Headset3DOF:   3,
		domain.Headset6DOF:   3,
		domain.HeadsetViewer: 10,
	} {
		prefix := "headset_rules." + string(ht) + "."
		v.SetDefault(prefix+"threshold", threshold)
		v.SetDefault(prefix+"inactivity_timeout", "2m")
		v.SetDefault(prefix+"inactivity_check_interval", "30s")
	}

	v.SetDefault("per_client_rate_limit.enabled", true)
	v.SetDefault("per_client_rate_limit.threshold", 20)
	v.SetDefault("per_client_rate_limit.ttl", "1s")
	v.SetDefault("per_message_type_rate_limit.enabled", true)
	v.SetDefault("per_message_type_rate_limit.threshold", 1)
	v.SetDefault("per_message_type_rate_limit.ttl", "200ms")

	v.SetDefault("room_pool_size", 200)

	v.SetDefault("project_id", "")
	v.SetDefault("local_ip_address", "")
	v.SetDefault("environment_name", "")

	v.SetDefault("ssl.enabled", false)
	v.SetDefault("ssl.cert_host_name", "")
	v.SetDefault("production.project_id", "")
	v.SetDefault("production.required_origin", "")
	v.SetDefault("production.drop_viewer_messages", false)

	v.SetDefault("sync.backend", "nats")
	v.SetDefault("sync.topic_prefix", "server-sync")
	v.SetDefault("sync.heartbeat_period", "3s")
	v.SetDefault("sync.heartbeat_timeout", "15s")
	v.SetDefault("sync.warmup_list_length", 10)
	v.SetDefault("sync.warmup_interval", "10ms")
	v.SetDefault("sync.save_period", "5s")
	v.SetDefault("sync.dead_peer_scan_period", "30s")
	v.SetDefault("sync.monitor_probe_timeout", "5s")
	v.SetDefault("sync.scan_probe_timeout", "10s")

	v.SetDefault("records.backend", "redis")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.path_style", false)
}

// Load reads config/config.<CONFIG_ENV>.yaml when present, layers the
// environment on top and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults and environment")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("server_id", string(cfg.ServerID)).
		Str("env", cfg.EnvironmentName).
		Int("ws_port", cfg.ServerPort).
		Int("balancer_port", cfg.BalancerPort).
		Int("rooms", len(cfg.RoomNames)).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) finalize() error {
	var missing []string
	if c.ProjectID == "" {
		missing = append(missing, "PROJECT_ID")
	}
	if c.LocalIPAddress == "" {
		missing = append(missing, "LOCAL_IP_ADDRESS")
	}
	if c.EnvironmentName == "" {
		missing = append(missing, "ENVIRONMENT_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	if c.SSL.Enabled && c.SSL.CertHost == "" {
		return fmt.Errorf("%w: SSL_CERT_HOST_NAME", ErrMissingEnv)
	}

	c.ServerID = domain.NewServerID()
	c.SyncTopicName = c.Sync.TopicPrefix + "-" + c.EnvironmentName

	if len(c.Rooms) > 0 {
		names, err := ParseRoomNames(c.Rooms)
		if err != nil {
			return err
		}
		c.RoomNames = names
	} else {
		c.RoomNames = DefaultRoomNames(c.RoomPoolSize)
	}
	return nil
}

// HeadsetRule returns the rule for ht, or a zero rule when none is set.
func (c *Config) HeadsetRule(ht domain.HeadsetType) HeadsetRule {
	return c.HeadsetRules[string(ht)]
}

// Thresholds returns the per-headset admission thresholds.
func (c *Config) Thresholds() map[domain.HeadsetType]int {
	out := make(map[domain.HeadsetType]int, len(domain.HeadsetTypes))
	for _, ht := range domain.HeadsetTypes {
		out[ht] = c.HeadsetRule(ht).Threshold
	}
	return out
}

func (c *Config) IsProduction() bool {
	return c.Production.ProjectID != "" && c.ProjectID == c.Production.ProjectID
}

func (c *Config) LocalAddress() string {
	return fmt.Sprintf("%s:%d", c.LocalIPAddress, c.ServerPort)
}

func (c *Config) SSLBucket() string {
	return c.ProjectID + "-ssl"
}

func (c *Config) SSLKeyObject() string {
	return c.SSL.CertHost + "/privkey.pem"
}

func (c *Config) SSLCertObject() string {
	return c.SSL.CertHost + "/fullchain.pem"
}
