package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`

	StoreBackend string `yaml:"store_backend"` // memory | sqlite | postgres | redis
	SQLitePath   string `yaml:"sqlite_path"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	RedisAddr    string `yaml:"redis_addr"`

	Workers            int           `yaml:"workers"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	BatchSize          int           `yaml:"batch_size"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout"`
	FailExhaustedAfter time.Duration `yaml:"fail_exhausted_after"`

	RateLimit       int           `yaml:"rate_limit"` // attempts per action per window; 0 disables
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	RateLimitShared bool          `yaml:"rate_limit_shared"` // Redis-backed, shared by every instance

	KafkaBrokers  string `yaml:"kafka_brokers"` // empty disables Kafka
	EventsTopic   string `yaml:"events_topic"`
	TriggerTopic  string `yaml:"trigger_topic"`
	ConsumerGroup string `yaml:"consumer_group"`

	SMTPHost     string `yaml:"smtp_host"` // empty disables the email action
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPFrom     string `yaml:"smtp_from"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"-"`

	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	MetricsAddr     string  `yaml:"metrics_addr"`
	OTelEndpoint    string  `yaml:"otel_endpoint"`
	OTelSampleRatio float64 `yaml:"otel_sample_ratio"`
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:           v.GetString("log_level"),
		HTTPPort:           v.GetString("http_port"),
		StoreBackend:       v.GetString("store_backend"),
		SQLitePath:         v.GetString("sqlite_path"),
		PostgresDSN:        v.GetString("postgres_dsn"),
		RedisAddr:          v.GetString("redis_addr"),
		Workers:            v.GetInt("workers"),
		PollInterval:       v.GetDuration("poll_interval"),
		BatchSize:          v.GetInt("batch_size"),
		AttemptTimeout:     v.GetDuration("attempt_timeout"),
		FailExhaustedAfter: v.GetDuration("fail_exhausted_after"),
		RateLimit:          v.GetInt("rate_limit"),
		RateLimitWindow:    v.GetDuration("rate_limit_window"),
		RateLimitShared:    v.GetBool("rate_limit_shared"),
		KafkaBrokers:       v.GetString("kafka_brokers"),
		EventsTopic:        v.GetString("events_topic"),
		TriggerTopic:       v.GetString("trigger_topic"),
		ConsumerGroup:      v.GetString("consumer_group"),
		SMTPHost:           v.GetString("smtp_host"),
		SMTPPort:           v.GetInt("smtp_port"),
		SMTPFrom:           v.GetString("smtp_from"),
		SMTPUsername:       v.GetString("smtp_username"),
		SMTPPassword:       v.GetString("smtp_password"),
		WebhookTimeout:     v.GetDuration("webhook_timeout"),
		MetricsAddr:        v.GetString("metrics_addr"),
		OTelEndpoint:       v.GetString("otel_endpoint"),
		OTelSampleRatio:    v.GetFloat64("otel_sample_ratio"),
	}
}
