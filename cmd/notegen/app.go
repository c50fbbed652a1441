package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/metrics"
	"github.com/BaSui01/notegen/journal"
	"github.com/BaSui01/notegen/session"
	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/transport/sse"
	"github.com/BaSui01/notegen/transport/ws"
)

// =============================================================================
// 🧩 组件装配
// =============================================================================

// app 持有一次运行所需的全部组件
type app struct {
	manager *session.Manager
	closers []func() error
	logger  *zap.Logger
}

// buildApp 按配置装配后端、使用统计存储、生成记录和会话管理器
func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	backend, err := newBackend(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(collector),
	}

	store, closeStore, err := newUsageStore(cfg.Session.Usage, logger)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}
	opts = append(opts, session.WithUsageStore(store))

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal, logger, collector)
		if err != nil {
			// 生成记录不可用不影响生成
			logger.Warn("journal not available, generation history disabled", zap.Error(err))
		} else {
			opts = append(opts, session.WithJournal(j))
			a.closers = append(a.closers, j.Close)
		}
	}

	a.manager = session.NewManager(cfg.Session, backend, opts...)
	return a, nil
}

// Close 关闭会话管理器，再关闭外部存储。管理器关闭时会等待生成记录写完。
func (a *app) Close() error {
	a.manager.Close()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}

// newBackend 按 transport 选择后端实现
func newBackend(cfg config.BackendConfig, logger *zap.Logger) (transport.Backend, error) {
	switch cfg.Transport {
	case "sse":
		return sse.New(cfg, logger), nil
	case "ws":
		return ws.New(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend transport: %s (supported: sse, ws)", cfg.Transport)
	}
}

// newUsageStore 按配置选择使用统计存储。返回的 close 可能为 nil。
func newUsageStore(cfg config.UsageConfig, logger *zap.Logger) (session.UsageStore, func() error, error) {
	switch cfg.Store {
	case "", "memory":
		return session.NewMemoryUsageStore(), nil, nil
	case "redis":
		store, err := session.NewRedisUsageStore(cfg.Redis, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("usage store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported usage store: %s (supported: memory, redis)", cfg.Store)
	}
}
