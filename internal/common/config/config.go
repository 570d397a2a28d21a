package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/uma-arai/checkout-notifier/internal/common/database"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
)

type Config struct {
	DB  database.Config
	SFN struct {
		TaskToken string
	}
	EnableTracing bool

	// Timezone は「今日」の判定に使うタイムゾーンです
	Timezone *time.Location `validate:"required"`

	Server    ServerConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	Messaging ProviderConfig
	Email     EmailConfig
	Notify    NotifyConfig
}

type ServerConfig struct {
	Address    string `validate:"required"`
	CronSecret string
	JWTSecret  string
	// ScheduleInterval が0より大きい場合はサーバー内で定期実行します
	ScheduleInterval time.Duration `validate:"gte=0"`
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	LockWait time.Duration
}

type RabbitMQConfig struct {
	Enabled    bool
	URL        string
	Exchange   string
	RoutingKey string
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

type EmailConfig struct {
	ProviderConfig
	From string
}

type NotifyConfig struct {
	Channels     []string      `validate:"min=1,dive,oneof=email sms whatsapp voice"`
	OverdueGrace time.Duration `validate:"gte=0"`
	SendDelay    time.Duration `validate:"gte=0"`
	RunTimeout   time.Duration `validate:"gt=0"`
	PhoneRegion  string        `validate:"required,len=2"`
}

var defaults = map[string]any{
	"DB_HOST":              "localhost",
	"DB_PORT":              5432,
	"DB_USERNAME":          "checkoutapp",
	"DB_PASSWORD":          "password",
	"DB_NAME":              "checkoutapp",
	"DB_SSL_MODE":          "",
	"APP_TIMEZONE":         "Asia/Tokyo",
	"SERVER_ADDRESS":       ":8080",
	"SCHEDULE_INTERVAL":    "0s",
	"REDIS_DB":             0,
	"RUN_LOCK_WAIT":        "10s",
	"RABBITMQ_EXCHANGE":    "checkout.notifications",
	"RABBITMQ_ROUTING_KEY": "run.report",
	"EMAIL_FROM":           "no-reply@example.com",
	"NOTIFY_CHANNELS":      "email,sms",
	"OVERDUE_GRACE":        "24h",
	"SEND_DELAY":           "1s",
	"RUN_TIMEOUT":          "5m",
	"DEFAULT_PHONE_REGION": "JP",
}

// LoadConfig は設定を読み込みます
// 環境変数を優先し、CONFIG_FILEが指定されていればYAMLファイルも読み込みます
func LoadConfig(taskToken string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	// 設定ファイルのLOG_LEVELも反映する
	logger.SetLevel(v.GetString("LOG_LEVEL"))

	loc, err := time.LoadLocation(v.GetString("APP_TIMEZONE"))
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE: %w", err)
	}

	cfg := &Config{
		DB: database.Config{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			UserName: v.GetString("DB_USERNAME"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSL_MODE"),
		},
		Timezone: loc,
		Server: ServerConfig{
			Address:          v.GetString("SERVER_ADDRESS"),
			CronSecret:       v.GetString("CRON_SECRET"),
			JWTSecret:        v.GetString("JWT_SECRET"),
			ScheduleInterval: v.GetDuration("SCHEDULE_INTERVAL"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetString("REDIS_ADDR") != "",
			Address:  v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			LockWait: v.GetDuration("RUN_LOCK_WAIT"),
		},
		RabbitMQ: RabbitMQConfig{
			Enabled:    v.GetString("RABBITMQ_URL") != "",
			URL:        v.GetString("RABBITMQ_URL"),
			Exchange:   v.GetString("RABBITMQ_EXCHANGE"),
			RoutingKey: v.GetString("RABBITMQ_ROUTING_KEY"),
		},
		Messaging: ProviderConfig{
			BaseURL: v.GetString("MESSAGING_BASE_URL"),
			APIKey:  v.GetString("MESSAGING_API_KEY"),
		},
		Email: EmailConfig{
			ProviderConfig: ProviderConfig{
				BaseURL: v.GetString("EMAIL_BASE_URL"),
				APIKey:  v.GetString("EMAIL_API_KEY"),
			},
			From: v.GetString("EMAIL_FROM"),
		},
		Notify: NotifyConfig{
			Channels:     splitList(v.GetString("NOTIFY_CHANNELS")),
			OverdueGrace: v.GetDuration("OVERDUE_GRACE"),
			SendDelay:    v.GetDuration("SEND_DELAY"),
			RunTimeout:   v.GetDuration("RUN_TIMEOUT"),
			PhoneRegion:  strings.ToUpper(v.GetString("DEFAULT_PHONE_REGION")),
		},
	}
	cfg.SFN.TaskToken = taskToken

	// 環境変数[SBCNTR_ENABLE_TRACING]を見てトレースを有効にする。対応しているTracingはAWS_XRAYのみ。
	// 環境変数[AWS_XRAY_SDK_DISABLED]がtrueの場合は必ずトレースを無効にする。
	enableKey := v.GetString("SBCNTR_ENABLE_TRACING")
	if !sdkDisabled() && (strings.ToLower(enableKey) == "true" || enableKey == "1") {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "FALSE")
		cfg.EnableTracing = true
	} else {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
		cfg.EnableTracing = false
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if !cfg.Redis.Enabled {
		logger.GetLogger().Info("REDIS_ADDR is not set, run lock is disabled")
	}

	return cfg, nil
}

// RequireServerSecrets はHTTPサーバー起動時に必須となる秘密情報を検証します
func (c *Config) RequireServerSecrets() error {
	if c.Server.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required")
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Check if SDK is disabled
func sdkDisabled() bool {
	disableKey := os.Getenv("AWS_XRAY_SDK_DISABLED")
	return strings.ToLower(disableKey) == "true"
}
