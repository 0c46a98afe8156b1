// Package config assembles the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/tiersync/internal/pkg/env"
)

type Config struct {
	AppHost      string `validate:"required"`
	AppPort      string `validate:"required,numeric"`
	PublicDomain string `validate:"omitempty,url"`
	ReadAPIKey   string

	DB       DBConfig
	Cache    CacheConfig
	Stripe   StripeConfig
	Discord  DiscordConfig
	RoleSync RoleSyncConfig
	Sweep    SweepConfig
	SMTP     SMTPConfig
	S3       S3Config

	GracePeriodDays  int `validate:"min=1,max=90"`
	ReminderLeadDays int `validate:"min=0,ltfield=GracePeriodDays"`
}

type DBConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	User     string `validate:"required"`
	Password string
	Name     string `validate:"required"`
}

// DSN returns the go-sql-driver/mysql data source name.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC", c.User, c.Password, c.Host, c.Port, c.Name)
}

// MigrateURL returns the golang-migrate database URL.
func (c DBConfig) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true", c.User, c.Password, c.Host, c.Port, c.Name)
}

type CacheConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Password string
}

func (c CacheConfig) Addr() string {
	return c.Host + ":" + c.Port
}

type StripeConfig struct {
	SecretKey     string `validate:"required"`
	WebhookSecret string `validate:"required"`
}

type DiscordConfig struct {
	BotToken     string `validate:"required"`
	GuildID      string `validate:"required,numeric"`
	PaidRoleID   string `validate:"required,numeric"`
	APIBase      string `validate:"omitempty,url"`
	OAuthKey     string
	OAuthSecret  string
	Timeout      time.Duration
}

type RoleSyncConfig struct {
	MaxAttempts int           `validate:"min=1,max=10"`
	BaseDelay   time.Duration `validate:"gt=0"`
	MaxDelay    time.Duration `validate:"gtefield=BaseDelay"`
}

type SweepConfig struct {
	Schedule    string `validate:"required"`
	BatchSize   int    `validate:"min=1,max=10000"`
	Resync      bool
	RepairRoles bool
}

type SMTPConfig struct {
	Host     string
	Port     string `validate:"omitempty,numeric"`
	Username string
	Password string
	Sender   string `validate:"omitempty,email"`
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

type S3Config struct {
	Enabled         bool
	AccessKeyID     string `validate:"required_if=Enabled true"`
	SecretAccessKey string `validate:"required_if=Enabled true"`
	Region          string
	BucketName      string `validate:"required_if=Enabled true"`
	EndpointURL     string `validate:"omitempty,url"`
	Prefix          string
}

// Load reads every key from the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		AppHost:      env.GetEnv("APP_HOST", "0.0.0.0"),
		AppPort:      env.GetEnv("APP_PORT", "4000"),
		PublicDomain: strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/"),
		ReadAPIKey:   strings.TrimSpace(env.GetEnv("READ_API_KEY", "")),
		DB:           dbFromEnv(),
		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
		},
		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Discord: DiscordConfig{
			BotToken:     strings.TrimSpace(env.GetEnv("DISCORD_BOT_TOKEN", "")),
			GuildID:      strings.TrimSpace(env.GetEnv("DISCORD_GUILD_ID", "")),
			PaidRoleID:   strings.TrimSpace(env.GetEnv("DISCORD_PAID_ROLE_ID", "")),
			APIBase:      env.GetEnv("DISCORD_API_BASE", ""),
			OAuthKey:     env.GetEnv("DISCORD_KEY", ""),
			OAuthSecret:  env.GetEnv("DISCORD_SECRET", ""),
			Timeout:      env.GetEnvDuration("DISCORD_REQUEST_TIMEOUT", 10*time.Second),
		},
		RoleSync: RoleSyncConfig{
			MaxAttempts: env.GetEnvInt("ROLE_SYNC_MAX_ATTEMPTS", 3),
			BaseDelay:   env.GetEnvDuration("ROLE_SYNC_BASE_DELAY", time.Second),
			MaxDelay:    env.GetEnvDuration("ROLE_SYNC_MAX_DELAY", 30*time.Second),
		},
		Sweep: SweepConfig{
			Schedule:    env.GetEnv("SWEEP_SCHEDULE", "0 3 * * *"),
			BatchSize:   env.GetEnvInt("SWEEP_BATCH_SIZE", 1000),
			Resync:      env.GetEnvBool("SWEEP_RESYNC", false),
			RepairRoles: env.GetEnvBool("SWEEP_REPAIR_ROLES", false),
		},
		SMTP: SMTPConfig{
			Host:     env.GetEnv("SMTP_HOST", ""),
			Port:     env.GetEnv("SMTP_PORT", "587"),
			Username: env.GetEnv("SMTP_USERNAME", ""),
			Password: env.GetEnv("SMTP_PASSWORD", ""),
			Sender:   env.GetEnv("SMTP_SENDER", ""),
		},
		S3: S3Config{
			Enabled:         env.GetEnvBool("S3_ARCHIVE_ENABLED", false),
			AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("S3_REGION", "us-east-1"),
			BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
			Prefix:          strings.Trim(env.GetEnv("S3_ARCHIVE_PREFIX", "audit"), "/"),
		},
		GracePeriodDays:  env.GetEnvInt("GRACE_PERIOD_DAYS", 7),
		ReminderLeadDays: env.GetEnvInt("REMINDER_LEAD_DAYS", 2),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDB reads and validates only the database keys, for tools that need
// nothing else.
func LoadDB() (DBConfig, error) {
	db := dbFromEnv()
	if err := validate(db); err != nil {
		return DBConfig{}, err
	}
	return db, nil
}

func dbFromEnv() DBConfig {
	return DBConfig{
		Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:     env.GetEnv("DB_PORT", "3306"),
		User:     env.GetEnv("DB_USER", ""),
		Password: env.GetEnv("DB_PASSWORD", ""),
		Name:     env.GetEnv("DB_NAME", ""),
	}
}

// Validate reports the first invalid field by its struct path.
func (c *Config) Validate() error {
	return validate(c)
}

func validate(v any) error {
	if err := validator.New().Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BaseURL is the public address used for OAuth callbacks.
func (c *Config) BaseURL() string {
	if c.PublicDomain != "" {
		return c.PublicDomain
	}
	return "http://localhost:" + c.AppPort
}
