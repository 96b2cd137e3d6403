package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/spf13/viper"
)

// DatabaseConfig holds connection settings for the subscription database.
// Driver is either "sqlite" (file at Path) or "postgres" (host/port/user/name).
type DatabaseConfig struct {
	Driver             string
	Path               string
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
}

// MinIOConfig holds object storage settings for backups.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether backups should be sent to object storage.
func (c MinIOConfig) Enabled() bool {
	return c.Endpoint != ""
}

// RedisConfig holds settings for the subscription cache.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// Enabled reports whether a Redis cache is configured.
func (c RedisConfig) Enabled() bool {
	return c.Address != ""
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string
	Format string
}

// XrayConfig describes the local Xray process and its VLESS inbound.
type XrayConfig struct {
	Binary         string
	ConfigPath     string
	LogFile        string
	Port           int
	WSPath         string
	HealthInterval time.Duration
}

// BotConfig holds Telegram bot settings.
type BotConfig struct {
	Token           string
	AdminUsername   string
	SupportUsername string
	ChannelUsername string
}

// WorkerNode is a worker server the master pushes users to.
// Host is the URL host without port, used in client links.
type WorkerNode struct {
	Name string
	URL  string
	Host string
}

// MasterConfig is the configuration of the master node.
type MasterConfig struct {
	Port         string
	BaseURL      string
	DataDir      string
	ServerSecret string
	Log          LogConfig
	Bot          BotConfig
	Xray         XrayConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	MinIO        MinIOConfig
	Workers      []WorkerNode
}

// WorkerConfig is the configuration of a worker node.
type WorkerConfig struct {
	Port         string
	ServerName   string
	ServerSecret string
	DataDir      string
	Log          LogConfig
	Xray         XrayConfig
	MinIO        MinIOConfig
}

// LoadMaster reads master configuration from environment variables.
// A .env file is auto-loaded by the binaries via godotenv/autoload; real
// environment variables take precedence.
func LoadMaster() (*MasterConfig, error) {
	v := newViper()
	v.SetDefault("XRAY_PORT", 10000)
	v.SetDefault("XRAY_WS_PATH", "/vless")

	dataDir := v.GetString("DATA_DIR")
	v.SetDefault("DB_PATH", filepath.Join(dataDir, "vpn.db"))

	workers, err := parseWorkerNodes(v.GetString("WORKER_NODES"))
	if err != nil {
		return nil, err
	}

	cfg := &MasterConfig{
		Port:         v.GetString("PORT"),
		BaseURL:      strings.TrimRight(v.GetString("BASE_URL"), "/"),
		DataDir:      dataDir,
		ServerSecret: v.GetString("SERVER_SECRET"),
		Log:          logConfig(v),
		Bot: BotConfig{
			Token:           v.GetString("BOT_TOKEN"),
			AdminUsername:   v.GetString("ADMIN_USERNAME"),
			SupportUsername: v.GetString("SUPPORT_USERNAME"),
			ChannelUsername: v.GetString("CHANNEL_USERNAME"),
		},
		Xray: xrayConfig(v, dataDir),
		Database: DatabaseConfig{
			Driver:             strings.ToLower(v.GetString("DB_DRIVER")),
			Path:               v.GetString("DB_PATH"),
			Host:               v.GetString("DB_HOST"),
			Port:               v.GetString("DB_PORT"),
			User:               v.GetString("DB_USER"),
			Password:           v.GetString("DB_PASSWORD"),
			Name:               v.GetString("DB_NAME"),
			SSLMode:            v.GetString("DB_SSLMODE"),
			MaxOpenConns:       v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:       v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetimeSec: v.GetInt("DB_CONN_MAX_LIFETIME_SEC"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			TTL:      time.Duration(v.GetInt("REDIS_TTL_SEC")) * time.Second,
		},
		MinIO:   minioConfig(v),
		Workers: workers,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadWorker reads worker configuration from environment variables.
func LoadWorker() (*WorkerConfig, error) {
	v := newViper()
	v.SetDefault("XRAY_PORT", 10001)
	v.SetDefault("XRAY_WS_PATH", "/tunnel")

	dataDir := v.GetString("DATA_DIR")
	cfg := &WorkerConfig{
		Port:         v.GetString("PORT"),
		ServerName:   v.GetString("SERVER_NAME"),
		ServerSecret: v.GetString("SERVER_SECRET"),
		DataDir:      dataDir,
		Log:          logConfig(v),
		Xray:         xrayConfig(v, dataDir),
		MinIO:        minioConfig(v),
	}
	if err := validatePort(cfg.Port); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *MasterConfig) Validate() error {
	if err := validatePort(c.Port); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if !govalidator.IsURL(c.BaseURL) {
		return fmt.Errorf("BASE_URL %q is not a valid URL", c.BaseURL)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("BASE_URL", "https://nefritvpn.onrender.com")
	v.SetDefault("SERVER_SECRET", "default-secret")
	v.SetDefault("SERVER_NAME", "Worker Server")
	v.SetDefault("ADMIN_USERNAME", "mellfreezy")
	v.SetDefault("SUPPORT_USERNAME", "mellfreezy")
	v.SetDefault("CHANNEL_USERNAME", "nefrit_vpn")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("XRAY_BIN", "/usr/local/bin/xray")
	v.SetDefault("HEALTH_INTERVAL_SEC", 60)

	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME_SEC", 300)

	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_TTL_SEC", 300)
	v.SetDefault("MINIO_USE_SSL", false)
	return v
}

func logConfig(v *viper.Viper) LogConfig {
	return LogConfig{
		Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
		Format: strings.ToLower(v.GetString("LOG_FORMAT")),
	}
}

func xrayConfig(v *viper.Viper, dataDir string) XrayConfig {
	logFile := v.GetString("XRAY_LOG_FILE")
	if logFile == "" {
		logFile = filepath.Join(dataDir, "xray.log")
	}
	return XrayConfig{
		Binary:         v.GetString("XRAY_BIN"),
		ConfigPath:     filepath.Join(dataDir, "xray_config.json"),
		LogFile:        logFile,
		Port:           v.GetInt("XRAY_PORT"),
		WSPath:         v.GetString("XRAY_WS_PATH"),
		HealthInterval: time.Duration(v.GetInt("HEALTH_INTERVAL_SEC")) * time.Second,
	}
}

func minioConfig(v *viper.Viper) MinIOConfig {
	return MinIOConfig{
		Endpoint:  v.GetString("MINIO_ENDPOINT"),
		AccessKey: v.GetString("MINIO_ACCESS_KEY"),
		SecretKey: v.GetString("MINIO_SECRET_KEY"),
		Bucket:    v.GetString("MINIO_BUCKET"),
		UseSSL:    v.GetBool("MINIO_USE_SSL"),
	}
}

func validatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("invalid PORT %q", port)
	}
	return nil
}

// parseWorkerNodes parses "name=https://host,name2=https://host2".
// An entry without a name uses its host as the name.
func parseWorkerNodes(raw string) ([]WorkerNode, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var nodes []WorkerNode
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rawURL, ok := strings.Cut(entry, "=")
		if !ok {
			rawURL = name
			name = ""
		}
		rawURL = strings.TrimRight(strings.TrimSpace(rawURL), "/")
		host := HostFromURL(rawURL)
		if !govalidator.IsURL(rawURL) || !strings.HasPrefix(rawURL, "http") || host == "" {
			return nil, fmt.Errorf("invalid WORKER_NODES entry %q", entry)
		}
		if name = strings.TrimSpace(name); name == "" {
			name = host
		}
		nodes = append(nodes, WorkerNode{Name: name, URL: rawURL, Host: host})
	}
	if len(nodes) == 0 {
		return nil, errors.New("WORKER_NODES is set but contains no entries")
	}
	return nodes, nil
}

// HostFromURL returns the bare host name of a URL with scheme, port and
// path dropped. Client links always dial port 443.
func HostFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
