package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了路由服务运行所需的全部配置项。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Router      RouterConfig      `mapstructure:"router"`
	Connector   ConnectorConfig   `mapstructure:"connector"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	AccountSync AccountSyncConfig `mapstructure:"account_sync"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig 管理任务队列所在数据库的连接。
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres | sqlite3
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	InMemory        bool          `mapstructure:"in_memory"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// RouterConfig 控制任务轮询与派发节奏。
type RouterConfig struct {
	WorkerCount       int           `mapstructure:"worker_count"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ErrorBackoff      time.Duration `mapstructure:"error_backoff"`
	TickValue         float64       `mapstructure:"tick_value"`
	DefaultPointValue float64       `mapstructure:"default_point_value"`
}

// ConnectorConfig 控制对外调用的超时、限速与熔断。
type ConnectorConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Port int `mapstructure:"port"`
}

// AccountSyncConfig 控制账户余额同步。Targets 形如 FIRM:PROGRAM。
type AccountSyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Targets  []string      `mapstructure:"targets"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			err = multierr.Append(err, errors.New("database.dsn 在 postgres 模式下不能为空"))
		}
	case DriverSQLite:
		if c.Database.Path == "" && !c.Database.InMemory {
			err = multierr.Append(err, errors.New("database.path 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("database.driver 不支持: %q", c.Database.Driver))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Database.QueryTimeout <= 0 {
		err = multierr.Append(err, errors.New("database.query_timeout 必须大于0"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Router.WorkerCount <= 0 {
		err = multierr.Append(err, errors.New("router.worker_count 必须大于0"))
	}
	if c.Router.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("router.poll_interval 必须大于0"))
	}
	if c.Router.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("router.batch_size 必须大于0"))
	}
	if c.Router.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("router.max_retries 不能为负"))
	}
	if c.Router.RetryDelay < 0 {
		err = multierr.Append(err, errors.New("router.retry_delay 不能为负"))
	}
	if c.Router.ErrorBackoff < 0 {
		err = multierr.Append(err, errors.New("router.error_backoff 不能为负"))
	}
	if c.Router.TickValue <= 0 {
		err = multierr.Append(err, errors.New("router.tick_value 必须大于0"))
	}
	if c.Router.DefaultPointValue <= 0 {
		err = multierr.Append(err, errors.New("router.default_point_value 必须大于0"))
	}

	if c.Connector.Timeout <= 0 {
		err = multierr.Append(err, errors.New("connector.timeout 必须大于0"))
	}
	if c.Connector.RateLimit < 0 {
		err = multierr.Append(err, errors.New("connector.rate_limit 不能为负"))
	}
	if c.Connector.RateLimit > 0 && c.Connector.RateBurst <= 0 {
		err = multierr.Append(err, errors.New("connector.rate_burst 必须大于0"))
	}

	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[0,65535]"))
	}

	if len(c.AccountSync.Targets) > 0 && c.AccountSync.Interval <= 0 {
		err = multierr.Append(err, errors.New("account_sync.interval 必须大于0"))
	}
	for _, target := range c.AccountSync.Targets {
		if _, _, parseErr := ParseTarget(target); parseErr != nil {
			err = multierr.Append(err, parseErr)
		}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// ParseTarget 解析 FIRM:PROGRAM 形式的同步目标。
func ParseTarget(target string) (string, int64, error) {
	firm, program, ok := strings.Cut(strings.TrimSpace(target), ":")
	if !ok || strings.TrimSpace(firm) == "" {
		return "", 0, fmt.Errorf("account_sync.targets 格式错误: %q", target)
	}
	id, err := parseProgramID(program)
	if err != nil {
		return "", 0, fmt.Errorf("account_sync.targets 格式错误: %q: %w", target, err)
	}
	return strings.ToUpper(strings.TrimSpace(firm)), id, nil
}
