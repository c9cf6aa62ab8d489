// Package catalog 读取数据库中的账户计划元数据，作为最低优先级的配置层。
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"prop-router/internal/config"
)

// ErrNotFound 表示计划元数据不存在。
var ErrNotFound = errors.New("catalog: program not found")

type programRow struct {
	FirmCode           string          `db:"firm_code"`
	ProgramID          int64           `db:"program_id"`
	DailyLossLimit     sql.NullFloat64 `db:"daily_loss_limit"`
	MaxDrawdown        sql.NullFloat64 `db:"max_drawdown"`
	MaxContracts       sql.NullInt64   `db:"max_contracts"`
	MaxRiskPerTradePct sql.NullFloat64 `db:"max_risk_per_trade_pct"`
	AllowedSessions    sql.NullString  `db:"allowed_sessions"`
}

func (r programRow) metadata() config.ProgramMetadata {
	var m config.ProgramMetadata
	if r.DailyLossLimit.Valid {
		v := r.DailyLossLimit.Float64
		m.DailyLossLimit = &v
	}
	if r.MaxDrawdown.Valid {
		v := r.MaxDrawdown.Float64
		m.MaxDrawdown = &v
	}
	if r.MaxContracts.Valid {
		v := int(r.MaxContracts.Int64)
		m.MaxContracts = &v
	}
	if r.MaxRiskPerTradePct.Valid {
		v := r.MaxRiskPerTradePct.Float64
		m.MaxRiskPerTradePct = &v
	}
	if r.AllowedSessions.Valid {
		m.AllowedSessions = config.SplitList(r.AllowedSessions.String)
	}
	return m
}

// ProgramMetadata 读取单个计划的元数据行，q 可以是连接或事务。
func ProgramMetadata(ctx context.Context, q sqlx.QueryerContext, firm string, program int64) (config.ProgramMetadata, error) {
	var row programRow
	query := sqlx.Rebind(sqlx.BindType(driverOf(q)), `SELECT firm_code, program_id, daily_loss_limit, max_drawdown,
		max_contracts, max_risk_per_trade_pct, allowed_sessions
		FROM prop_programs WHERE firm_code = ? AND program_id = ?`)

	err := sqlx.GetContext(ctx, q, &row, query, strings.ToUpper(strings.TrimSpace(firm)), program)
	if errors.Is(err, sql.ErrNoRows) {
		return config.ProgramMetadata{}, ErrNotFound
	}
	if err != nil {
		return config.ProgramMetadata{}, fmt.Errorf("catalog: 查询计划 %s/%d 失败: %w", firm, program, err)
	}
	return row.metadata(), nil
}

// Put 写入或覆盖计划元数据行。
func Put(ctx context.Context, e sqlx.ExtContext, firm string, program int64, m config.ProgramMetadata) error {
	var sessions *string
	if len(m.AllowedSessions) > 0 {
		joined := strings.Join(m.AllowedSessions, ",")
		sessions = &joined
	}

	query := e.Rebind(`INSERT INTO prop_programs
		(firm_code, program_id, daily_loss_limit, max_drawdown, max_contracts, max_risk_per_trade_pct, allowed_sessions)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (firm_code, program_id) DO UPDATE SET
			daily_loss_limit = excluded.daily_loss_limit,
			max_drawdown = excluded.max_drawdown,
			max_contracts = excluded.max_contracts,
			max_risk_per_trade_pct = excluded.max_risk_per_trade_pct,
			allowed_sessions = excluded.allowed_sessions`)

	if _, err := e.ExecContext(ctx, query, strings.ToUpper(strings.TrimSpace(firm)), program,
		m.DailyLossLimit, m.MaxDrawdown, m.MaxContracts, m.MaxRiskPerTradePct, sessions); err != nil {
		return fmt.Errorf("catalog: 写入计划 %s/%d 失败: %w", firm, program, err)
	}
	return nil
}

// Resolver 将数据库行与环境变量覆盖合并为最终元数据。
type Resolver struct {
	source *config.PolicySource
}

// NewResolver 创建元数据解析器。
func NewResolver(source *config.PolicySource) *Resolver {
	return &Resolver{source: source}
}

// Resolve 按 计划级环境变量 > 机构级环境变量 > 数据库行 的优先级合并。行不存在时视为空。
func (r *Resolver) Resolve(ctx context.Context, q sqlx.QueryerContext, firm string, program int64) (config.ProgramMetadata, error) {
	row, err := ProgramMetadata(ctx, q, firm, program)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return config.ProgramMetadata{}, err
	}
	return r.source.ProgramMetadata(firm, program, row), nil
}

func driverOf(q sqlx.QueryerContext) string {
	if b, ok := q.(interface{ DriverName() string }); ok {
		return b.DriverName()
	}
	return ""
}
