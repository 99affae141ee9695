package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config workflowd 配置, yaml 文件 + WORKFLOW_ 前缀的环境变量
// 例如 WORKFLOW_DB_DSN 覆盖 db.dsn
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr" validate:"required"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" validate:"gt=0"`
	} `mapstructure:"server"`
	DB struct {
		Driver       string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
		DSN          string `mapstructure:"dsn" validate:"required"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		AutoMigrate  bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Lock struct {
		Driver string `mapstructure:"driver" validate:"oneof=local redis"`
	} `mapstructure:"lock"`
	Notify struct {
		Driver    string `mapstructure:"driver" validate:"oneof=log redis"`
		OutboxKey string `mapstructure:"outbox_key"`
	} `mapstructure:"notify"`
	MagicLink struct {
		Secret  string        `mapstructure:"secret" validate:"omitempty,min=32"`
		Issuer  string        `mapstructure:"issuer"`
		TTL     time.Duration `mapstructure:"ttl"`
		MaxTTL  time.Duration `mapstructure:"max_ttl"`
		BaseURL string        `mapstructure:"base_url"`
	} `mapstructure:"magic_link"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format" validate:"oneof=text json"`
	} `mapstructure:"log"`
	Workflows struct {
		Dir             string `mapstructure:"dir"`
		BuiltinFollowUp bool   `mapstructure:"builtin_follow_up"`
	} `mapstructure:"workflows"`
}

// MagicLinksEnabled 没有配置密钥的时候不提供 magic link
func (c *Config) MagicLinksEnabled() bool {
	return c.MagicLink.Secret != ""
}

// RedisEnabled 锁或者通知用到了 redis
func (c *Config) RedisEnabled() bool {
	return c.Lock.Driver == "redis" || c.Notify.Driver == "redis"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_upload_bytes", 20<<20)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "workflow.db?_busy_timeout=5000")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("lock.driver", "local")
	v.SetDefault("notify.driver", "log")
	v.SetDefault("notify.outbox_key", "workflow:notify:links")
	v.SetDefault("magic_link.secret", "")
	v.SetDefault("magic_link.issuer", "workflow")
	v.SetDefault("magic_link.ttl", 72*time.Hour)
	v.SetDefault("magic_link.max_ttl", 30*24*time.Hour)
	v.SetDefault("magic_link.base_url", "http://localhost:8080/magic")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("workflows.dir", "")
	v.SetDefault("workflows.builtin_follow_up", true)
}

/*
*
  - @description: 加载配置
  - @param path string 配置文件路径, 为空时在 . 和 ./config 下面找 workflowd.yaml, 找不到就只用默认值和环境变量
  - @return *Config, error
*/
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("workflowd")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("WORKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "read config failed, path: %q", path)
		}
	}
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}
	config.MagicLink.BaseURL = strings.TrimRight(strings.TrimSpace(config.MagicLink.BaseURL), "/")
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return config, nil
}
