package router

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"prop-router/internal/breach"
	"prop-router/internal/config"
	"prop-router/internal/connector"
	"prop-router/internal/execution"
	"prop-router/internal/policy"
	"prop-router/internal/queue"
	"prop-router/internal/risk"
	"prop-router/internal/sizing"
)

// 评估阶段，用于指标标签。
const (
	stageRisk        = "risk"
	stageSizing      = "sizing"
	stageEnforcement = "enforcement"
)

// unknownFirmLabel 为未注册机构共用的指标标签。
const unknownFirmLabel = "unknown"

// Report 为写入审计日志的完整处理记录，包含每一个评估结果与连接器结果。
type Report struct {
	TaskID        int64                       `json:"task_id"`
	WorkerID      string                      `json:"worker_id"`
	Risk          []policy.Result             `json:"risk"`
	Sizing        []sizing.Result             `json:"sizing"`
	Enforcement   []policy.Result             `json:"enforcement"`
	ApprovedFirms []string                    `json:"approved_firms"`
	Connectors    map[string]connector.Result `json:"connectors"`
	Error         string                      `json:"error,omitempty"`

	lastHTTPStatus int
}

func newReport(taskID int64, workerID string) *Report {
	return &Report{
		TaskID:        taskID,
		WorkerID:      workerID,
		Risk:          []policy.Result{},
		Sizing:        []sizing.Result{},
		Enforcement:   []policy.Result{},
		ApprovedFirms: []string{},
		Connectors:    map[string]connector.Result{},
	}
}

// responseCode 为最后一次连接器调用的 HTTP 状态，没有发生调用时为空。
func (rep *Report) responseCode() *int {
	if rep.lastHTTPStatus == 0 {
		return nil
	}
	code := rep.lastHTTPStatus
	return &code
}

// sizedOrder 记录某机构首个放行且带手数的仓位结果。
type sizedOrder struct {
	quantity *int
	program  *int64
}

// handle 执行 风控 → 仓位 → 违规 → 取交集 → 派发。
// 某阶段中任一结果被拒即视为该机构被该阶段拒绝，未出现在该阶段的机构不受影响。
func (r *Router) handle(ctx context.Context, tx *sqlx.Tx, task queue.Task, rep *Report) error {
	intent, err := task.Intent()
	if err != nil {
		return err
	}

	firms := intent.FirmCodes()
	programs := intent.Programs
	rejected := make(map[string]bool, len(firms))

	for _, firm := range firms {
		res := risk.Evaluate(firm, intent, r.deps.Policy.RiskRules(firm))
		rep.Risk = append(rep.Risk, res)
		if !res.Approved() {
			rejected[firm] = true
			r.deps.Metrics.PolicyRejection(stageRisk, res.Rule)
		}
	}

	sized := make(map[string]sizedOrder, len(firms))
	pairQty := make(map[string]*int, len(firms)*len(programs))
	for _, firm := range firms {
		for _, program := range programs {
			res := sizing.ComputeSize(firm, program, r.deps.Policy.ScalingRules(firm, program), sizing.Input{
				Direction:         intent.Side(),
				Entry:             intent.EntryPrice,
				Stop:              intent.StopLoss,
				Quantity:          intent.Quantity,
				RiskPercent:       intent.RiskPercent,
				DefaultPointValue: r.cfg.DefaultPointValue,
			})
			rep.Sizing = append(rep.Sizing, res)
			if !res.Approved() {
				rejected[firm] = true
				r.deps.Metrics.PolicyRejection(stageSizing, res.Rule)
				continue
			}
			if res.Quantity == nil {
				continue
			}
			pairQty[pairKey(firm, program)] = res.Quantity
			if _, ok := sized[firm]; !ok {
				sized[firm] = sizedOrder{quantity: res.Quantity, program: policy.ProgramRef(program)}
			}
		}
	}

	for _, firm := range firms {
		for _, program := range programs {
			res := r.enforce(ctx, tx, firm, program, intent, pairQty[pairKey(firm, program)])
			rep.Enforcement = append(rep.Enforcement, res)
			if !res.Approved() {
				rejected[firm] = true
				r.deps.Metrics.PolicyRejection(stageEnforcement, res.Rule)
			}
		}
	}

	for _, firm := range firms {
		if !rejected[firm] {
			rep.ApprovedFirms = append(rep.ApprovedFirms, firm)
		}
	}

	for _, firm := range firms {
		var res connector.Result
		if rejected[firm] {
			res = connector.Skipped(connector.ReasonRiskRejected, "未通过风控校验")
		} else {
			res = r.dispatch(ctx, task.ID, firm, intent, sized[firm], programs)
			if res.HTTPStatus != 0 {
				rep.lastHTTPStatus = res.HTTPStatus
			}
		}
		rep.Connectors[firm] = res
		r.deps.Metrics.FirmOutcome(r.firmLabel(firm), string(res.Status))
	}
	return nil
}

// enforce 对单个 (机构, 计划) 执行违规校验，订单手数优先使用仓位评估结果。
func (r *Router) enforce(ctx context.Context, tx *sqlx.Tx, firm string, program int64, intent policy.Intent, sizedQty *int) policy.Result {
	var meta config.ProgramMetadata
	err := r.deps.Queue.Savepoint(ctx, tx, "program_metadata", func() error {
		var err error
		meta, err = r.deps.Catalog.Resolve(ctx, tx, firm, program)
		return err
	})
	if err != nil {
		r.logger.Warn("读取计划元数据失败", zap.String("firm", firm), zap.Int64("program", program), zap.Error(err))
		return breach.Failed(firm, program, err)
	}

	qty := intent.Quantity
	if sizedQty != nil {
		qty = sizedQty
	}

	return breach.Evaluate(firm, program, breach.Input{
		Metadata: meta,
		Rules:    r.deps.Policy.BreachRules(firm, program),
		State:    r.deps.Accounts.Snapshot(firm, program),
		Order: breach.Order{
			Session:  intent.Session,
			Quantity: qty,
			Entry:    intent.EntryPrice,
			Stop:     intent.StopLoss,
		},
		TickValue: r.cfg.TickValue,
	})
}

func (r *Router) dispatch(ctx context.Context, taskID int64, firm string, intent policy.Intent, choice sizedOrder, programs []int64) connector.Result {
	program := choice.program
	if program == nil && len(programs) > 0 {
		program = policy.ProgramRef(programs[0])
	}

	order, err := execution.BuildOrder(execution.Plan{
		TaskID:   taskID,
		Firm:     firm,
		Intent:   intent,
		Quantity: choice.quantity,
		Program:  program,
	})
	if err != nil {
		r.logger.Warn("构造订单失败", zap.Int64("task_id", taskID), zap.String("firm", firm), zap.Error(err))
		return connector.Failed(connector.ReasonInvalidOrder, err.Error())
	}

	res := r.deps.Dispatcher.Dispatch(ctx, firm, order)
	r.logger.Info("派发完成",
		zap.Int64("task_id", taskID),
		zap.String("firm", firm),
		zap.String("status", string(res.Status)),
		zap.String("external_order_id", res.ExternalOrderID),
		zap.Int("attempts", res.Attempts),
	)
	return res
}

// firmLabel 限定指标中的机构标签为已注册机构。
func (r *Router) firmLabel(firm string) string {
	if r.deps.Firms == nil {
		return firm
	}
	if _, ok := r.deps.Firms.Lookup(firm); !ok {
		return unknownFirmLabel
	}
	return firm
}

func pairKey(firm string, program int64) string {
	return fmt.Sprintf("%s|%d", firm, program)
}
