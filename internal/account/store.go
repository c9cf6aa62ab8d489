package account

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"prop-router/internal/config"
)

// Store 以进程内存保存账户指标，所有操作共用一把互斥锁。
// 从未写入的 key 返回空状态，不会补零。
type Store struct {
	mu       sync.Mutex
	states   map[string]State
	imported map[string]bool
	lookup   config.Lookup
	now      func() time.Time
	logger   *zap.Logger
}

// NewStore 创建账户状态存储。lookup 为空时读取进程环境变量。
func NewStore(lookup config.Lookup, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lookup == nil {
		lookup = config.NewPolicySource(nil).Lookup()
	}
	return &Store{
		states:   make(map[string]State),
		imported: make(map[string]bool),
		lookup:   lookup,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Update 合并已提供的指标字段，缺少更新时间时补上当前时间。空输入被忽略。
func (s *Store) Update(firm string, program int64, metrics State) {
	if metrics.IsEmpty() {
		return
	}
	if metrics.LastUpdate == nil {
		now := s.now()
		metrics.LastUpdate = &now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(firm, program)
	current := s.states[k]
	current.merge(metrics)
	s.states[k] = current
}

// Get 返回状态副本，不存在时返回空状态。
func (s *Store) Get(firm string, program int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key(firm, program)]
	if !ok {
		return State{}
	}
	return st.Clone()
}

// SetField 设置单个字段并刷新更新时间。
func (s *Store) SetField(firm string, program int64, field string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(firm, program)
	current := s.states[k]
	if err := current.set(field, value); err != nil {
		return err
	}
	now := s.now()
	current.LastUpdate = &now
	s.states[k] = current
	return nil
}

// LoadFromEnv 读取 ACCOUNT_{FIRM}_{PROGRAM}_* 环境变量并覆盖写入，仅保留可解析为数字的字段。
func (s *Store) LoadFromEnv(firm string, program int64) State {
	found := s.readEnv(firm, program)

	s.mu.Lock()
	s.imported[key(firm, program)] = true
	s.mu.Unlock()

	if found.IsEmpty() {
		return State{}
	}
	s.Update(firm, program, found)
	s.logger.Info("已从环境变量导入账户状态",
		zap.String("firm", strings.ToUpper(firm)),
		zap.Int64("program", program),
	)
	return found
}

// Snapshot 返回指定账户的状态。每个账户首次读取时导入一次环境变量，
// 环境变量只补齐尚未写入的字段，同步器或 SetField 写入的值优先。
func (s *Store) Snapshot(firm string, program int64) State {
	k := key(firm, program)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.imported[k] {
		s.imported[k] = true
		if env := s.readEnv(firm, program); !env.IsEmpty() {
			env.merge(s.states[k])
			if env.LastUpdate == nil {
				now := s.now()
				env.LastUpdate = &now
			}
			s.states[k] = env
			s.logger.Info("已从环境变量补齐账户状态",
				zap.String("firm", strings.ToUpper(firm)),
				zap.Int64("program", program),
			)
		}
	}

	st, ok := s.states[k]
	if !ok {
		return State{}
	}
	return st.Clone()
}

func (s *Store) readEnv(firm string, program int64) State {
	prefix := config.EnvKey("ACCOUNT", firm, strconv.FormatInt(program, 10))

	var found State
	for _, name := range envFields {
		envKey := prefix + "_" + strings.ToUpper(name)
		raw, ok := s.lookup(envKey)
		if !ok {
			continue
		}
		v := config.ParseFloat(raw)
		if v == nil {
			s.logger.Debug("忽略无法解析的账户环境变量", zap.String("key", envKey))
			continue
		}
		*numericFields[name](&found) = v
	}
	if !found.IsEmpty() {
		found.Source = SourceEnv
	}
	return found
}
