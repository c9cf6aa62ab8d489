package connector

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"prop-router/internal/config"
)

// Options 为构造连接器时注入的共享依赖。
type Options struct {
	Timeout    time.Duration
	Limiter    *rate.Limiter
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Factory 根据机构配置构造连接器。
type Factory func(cfg config.FirmConfig, opts Options) (Connector, error)

// BuiltinFirms 为默认注册 REST 连接器的机构。
var BuiltinFirms = []string{"FTMO", "TOPSTEP", "APEX", "MFFU"}

// Registry 维护机构代码到连接器构造函数的映射，并为每个机构持有独立限速器。
type Registry struct {
	source *config.PolicySource
	cfg    config.ConnectorConfig
	logger *zap.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	limiters  map[string]*rate.Limiter
}

// NewRegistry 创建注册表并注册内置机构。
func NewRegistry(source *config.PolicySource, cfg config.ConnectorConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if source == nil {
		source = config.NewPolicySource(nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	r := &Registry{
		source:    source,
		cfg:       cfg,
		logger:    logger,
		factories: make(map[string]Factory),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, firm := range BuiltinFirms {
		r.Register(firm, NewREST)
	}
	return r
}

// Register 注册或覆盖机构的构造函数。
func (r *Registry) Register(firm string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(firm)] = factory
}

// Lookup 查找机构的构造函数。配置为 ccxt 的机构即使未注册也会解析到 ccxt 连接器。
func (r *Registry) Lookup(firm string) (Factory, bool) {
	code := normalize(firm)
	if r.source.Firm(code).Connector == config.ConnectorCCXT {
		return NewCCXT, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[code]
	return f, ok
}

// Firms 返回已注册机构代码。
func (r *Registry) Firms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for code := range r.factories {
		out = append(out, code)
	}
	return out
}

// Build 校验机构配置并构造连接器，配置缺失时在任何网络调用之前返回错误。
func (r *Registry) Build(firm string) (Connector, error) {
	code := normalize(firm)
	factory, ok := r.Lookup(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFirm, code)
	}

	cfg := r.source.Firm(code)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return factory(cfg, Options{
		Timeout: r.cfg.Timeout,
		Limiter: r.limiter(code),
		Logger:  r.logger.With(zap.String("firm", code)),
	})
}

func (r *Registry) limiter(code string) *rate.Limiter {
	if r.cfg.RateLimit <= 0 {
		return nil
	}

	r.mu.RLock()
	l, ok := r.limiters[code]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[code]; ok {
		return l
	}
	burst := r.cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	l = rate.NewLimiter(rate.Limit(r.cfg.RateLimit), burst)
	r.limiters[code] = l
	return l
}

func validate(cfg config.FirmConfig) error {
	if !cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, cfg.Code)
	}

	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, config.EnvKey(cfg.Code, "API_KEY"))
	}
	switch cfg.Connector {
	case config.ConnectorCCXT:
		if cfg.Exchange == "" {
			missing = append(missing, config.EnvKey(cfg.Code, "CCXT_EXCHANGE"))
		}
	default:
		if cfg.BaseURL == "" {
			missing = append(missing, config.EnvKey(cfg.Code, "BASE_URL"))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s 缺少 %s", ErrConfig, cfg.Code, strings.Join(missing, ", "))
	}
	return nil
}

func normalize(firm string) string {
	return strings.ToUpper(strings.TrimSpace(firm))
}
