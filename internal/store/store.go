package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"prop-router/internal/config"
)

const defaultQueryTimeout = 30 * time.Second

// Store 封装任务队列所在的数据库连接。
type Store struct {
	db           *sqlx.DB
	driver       string
	queryTimeout time.Duration
}

// Open 按驱动类型初始化数据库并建表。
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	var (
		s   *Store
		err error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err = NewPostgres(ctx, cfg)
	case config.DriverSQLite, "":
		s, err = NewSQLite(cfg)
	default:
		return nil, fmt.Errorf("store: 不支持的数据库驱动 %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New 包装已有连接，driver 决定 SQL 方言。
func New(db *sqlx.DB, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Store{db: db, driver: db.DriverName(), queryTimeout: queryTimeout}
}

// NewPostgres 连接 PostgreSQL。
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: postgres dsn 不能为空")
	}

	conn, err := sqlx.Open(config.DriverPostgres, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: 打开 PostgreSQL 失败: %w", err)
	}
	applyPool(conn, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: 连接 PostgreSQL 失败: %w", err)
	}

	return New(conn, cfg.QueryTimeout), nil
}

// NewSQLite 根据配置初始化 SQLite 存储。认领事务以 IMMEDIATE 模式开启，持有写锁直至提交。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	conn, err := sqlx.Open(config.DriverSQLite, fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", dsn))
	if err != nil {
		return nil, fmt.Errorf("store: 打开 SQLite 数据库失败: %w", err)
	}

	applyPool(conn, cfg)
	if cfg.InMemory {
		// 每个连接各自拥有独立的内存库
		conn.SetMaxOpenConns(1)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: 设置 SQLite WAL 模式失败: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: 设置 SQLite 同步级别失败: %w", err)
	}

	return New(conn, cfg.QueryTimeout), nil
}

func applyPool(conn *sqlx.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
}

// DB 返回底层 *sqlx.DB。
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Driver 返回驱动名，用于选择 SQL 方言。
func (s *Store) Driver() string {
	return s.driver
}

// SupportsSkipLocked 表示是否可用行级 SKIP LOCKED 认领。
func (s *Store) SupportsSkipLocked() bool {
	return s.driver == config.DriverPostgres
}

// QueryTimeout 返回单次查询超时。
func (s *Store) QueryTimeout() time.Duration {
	return s.queryTimeout
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("store: 创建目录 %q 失败: %w", path, err)
	}
	return nil
}
