package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "router"

	// DriverPostgres 使用 FOR UPDATE SKIP LOCKED 认领任务。
	DriverPostgres = "postgres"
	// DriverSQLite 依赖 IMMEDIATE 事务的写锁认领任务，适用于单机与测试。
	DriverSQLite = "sqlite3"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回仅包含默认值的配置，主要用于测试与嵌入场景。
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "data/router.db")
	v.SetDefault("database.in_memory", false)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.query_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("router.worker_count", 1)
	v.SetDefault("router.poll_interval", "2s")
	v.SetDefault("router.batch_size", 10)
	v.SetDefault("router.max_retries", 2)
	v.SetDefault("router.retry_delay", "1s")
	v.SetDefault("router.error_backoff", "5s")
	v.SetDefault("router.tick_value", 20.0)
	v.SetDefault("router.default_point_value", 20.0)

	v.SetDefault("connector.timeout", "30s")
	v.SetDefault("connector.rate_limit", 5.0)
	v.SetDefault("connector.rate_burst", 5)
	v.SetDefault("connector.breaker_failures", 5)
	v.SetDefault("connector.breaker_timeout", "60s")

	v.SetDefault("monitor.port", 0)

	v.SetDefault("account_sync.interval", "1m")
	v.SetDefault("account_sync.targets", []string{})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
