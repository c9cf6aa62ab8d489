// Package queue 管理执行任务队列及其审计日志。
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"prop-router/internal/policy"
)

// Status 为任务状态，只允许 PENDING → SUCCESS/FAILED。
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Task 对应 execution_tasks 表的一行。
type Task struct {
	ID              int64      `db:"id" json:"id"`
	TradeID         *string    `db:"trade_id" json:"trade_id,omitempty"`
	EventType       string     `db:"event_type" json:"event_type"`
	Payload         string     `db:"payload" json:"-"`
	Status          Status     `db:"status" json:"status"`
	Attempts        int        `db:"attempts" json:"attempts"`
	LastError       *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	LastAttemptedAt *time.Time `db:"last_attempted_at" json:"last_attempted_at,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Intent 解析任务载荷中的下单意图。
func (t Task) Intent() (policy.Intent, error) {
	var intent policy.Intent
	if err := json.Unmarshal([]byte(t.Payload), &intent); err != nil {
		return policy.Intent{}, fmt.Errorf("queue: 解析任务 %d 载荷失败: %w", t.ID, err)
	}
	return intent, nil
}

// NewTask 为生产者写入的新任务。
type NewTask struct {
	TradeID   string
	EventType string
	Intent    policy.Intent
}

// LogEntry 对应 execution_logs 表的一行，写入后不再修改。
type LogEntry struct {
	ID           int64     `db:"id"`
	TaskID       int64     `db:"task_id"`
	Status       Status    `db:"status"`
	ResponseCode *int      `db:"response_code"`
	ResponseBody *string   `db:"response_body"`
	CreatedAt    time.Time `db:"created_at"`
}

// MarshalJSON 将响应体作为原始 JSON 输出。
func (e LogEntry) MarshalJSON() ([]byte, error) {
	var body json.RawMessage
	if e.ResponseBody != nil && json.Valid([]byte(*e.ResponseBody)) {
		body = json.RawMessage(*e.ResponseBody)
	} else if e.ResponseBody != nil {
		quoted, err := json.Marshal(*e.ResponseBody)
		if err != nil {
			return nil, err
		}
		body = quoted
	}

	return json.Marshal(struct {
		ID           int64           `json:"id"`
		TaskID       int64           `json:"task_id"`
		Status       Status          `json:"status"`
		ResponseCode *int            `json:"response_code"`
		ResponseBody json.RawMessage `json:"response_body,omitempty"`
		CreatedAt    time.Time       `json:"created_at"`
	}{
		ID:           e.ID,
		TaskID:       e.TaskID,
		Status:       e.Status,
		ResponseCode: e.ResponseCode,
		ResponseBody: body,
		CreatedAt:    e.CreatedAt,
	})
}
