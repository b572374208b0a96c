package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Insecure defaults that must never reach production.
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Panel          PanelConfig
	Sweep          SweepConfig
	Plans          PlanConfig
	Notifier       NotifierConfig
	InternalSecret string
	AdminAPIKey    string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type JWTConfig struct {
	SecretKey string
}

// PanelConfig controls how panel adapters talk to remote proxy panels.
type PanelConfig struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// SweepConfig controls the lifecycle scheduler.
type SweepConfig struct {
	Interval   time.Duration
	WarnWindow time.Duration
}

// PlanConfig carries plan parameters that used to live as ambient globals:
// trial/free durations, switch allowance and per-client limits.
type PlanConfig struct {
	BrandName           string
	TrialDuration       time.Duration
	FreeDuration        time.Duration
	PaidSwitchAllowance int
	LimitIPs            int
	LimitGB             int
}

type NotifierConfig struct {
	GatewayURL string
}

// Load reads configuration from environment (KEYSVC_*) and an optional
// config file.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", "8006")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "saas_user")
	v.SetDefault("database.password", "saas_pass")
	v.SetDefault("database.dbname", "saas_db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("panel.timeout", 30*time.Second)
	v.SetDefault("panel.insecure_skip_verify", true)
	v.SetDefault("sweep.interval", 5*time.Minute)
	v.SetDefault("sweep.warn_window", 24*time.Hour)
	v.SetDefault("plans.brand_name", "wenwu")
	v.SetDefault("plans.trial_duration", 72*time.Hour)
	v.SetDefault("plans.free_duration", 720*time.Hour)
	v.SetDefault("plans.paid_switch_allowance", 3)
	v.SetDefault("plans.limit_ips", 3)
	v.SetDefault("plans.limit_gb", 0)

	v.SetEnvPrefix("KEYSVC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("server.port"),
			Mode: v.GetString("server.mode"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			Port:     v.GetString("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		JWT: JWTConfig{
			SecretKey: v.GetString("jwt.secret_key"),
		},
		Panel: PanelConfig{
			Timeout:            v.GetDuration("panel.timeout"),
			InsecureSkipVerify: v.GetBool("panel.insecure_skip_verify"),
		},
		Sweep: SweepConfig{
			Interval:   v.GetDuration("sweep.interval"),
			WarnWindow: v.GetDuration("sweep.warn_window"),
		},
		Plans: PlanConfig{
			BrandName:           v.GetString("plans.brand_name"),
			TrialDuration:       v.GetDuration("plans.trial_duration"),
			FreeDuration:        v.GetDuration("plans.free_duration"),
			PaidSwitchAllowance: v.GetInt("plans.paid_switch_allowance"),
			LimitIPs:            v.GetInt("plans.limit_ips"),
			LimitGB:             v.GetInt("plans.limit_gb"),
		},
		Notifier: NotifierConfig{
			GatewayURL: v.GetString("notifier.gateway_url"),
		},
		InternalSecret: v.GetString("internal_secret"),
		AdminAPIKey:    v.GetString("admin_api_key"),
	}

	return cfg, nil
}

// Validate rejects insecure or missing secrets. Must pass before serving.
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("KEYSVC_JWT_SECRET_KEY must be set to a secure value")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT secret key must be at least 32 characters long")
	}
	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("KEYSVC_INTERNAL_SECRET must be set to a secure value")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("internal secret must be at least 32 characters long")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.Sweep.WarnWindow <= 0 {
		return fmt.Errorf("sweep warn window must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}
