package bootstrap

import (
	"github.com/ignatij/conductor/internal/config"
	internal_storage "github.com/ignatij/conductor/internal/storage"
	"github.com/ignatij/conductor/pkg/service"
	"github.com/ignatij/conductor/pkg/storage"
)

// Engine bundles the wired components of one process.
type Engine struct {
	Config    config.AppConfig
	Store     storage.Store
	Orch      *service.Orchestrator
	publisher *internal_storage.RedisPublisher
}

// New wires store, metrics mirror and orchestrator from the config.
// Without a database URL the engine runs on the in-memory store.
func New(cfg config.AppConfig, logger service.Logger) (*Engine, error) {
	var store storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := internal_storage.InitStore(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store = pg
	} else {
		logger.Infof("No database configured, using the in-memory store")
		store = storage.NewMockStore()
	}

	opts := []service.Option{
		service.WithSchedulerOptions(schedulerOptions(cfg)...),
	}
	if cfg.GlobalLimit > 0 {
		opts = append(opts, service.WithLimiter(service.NewConcurrencyLimiter(cfg.GlobalLimit)))
	}

	var publisher *internal_storage.RedisPublisher
	if cfg.RedisURL != "" {
		p, err := internal_storage.NewRedisPublisher(cfg.RedisURL)
		if err != nil {
			// the mirror is advisory, the engine runs without it
			logger.Errorf("Redis metrics mirror disabled: %v", err)
		} else {
			publisher = p
			opts = append(opts, service.WithMetricsPublisher(p))
		}
	}

	orch := service.NewOrchestrator(store, logger, opts...)
	return &Engine{Config: cfg, Store: store, Orch: orch, publisher: publisher}, nil
}

func schedulerOptions(cfg config.AppConfig) []service.SchedulerOption {
	opts := []service.SchedulerOption{}
	if cfg.Tick > 0 {
		opts = append(opts, service.WithTick(cfg.Tick))
	}
	if cfg.Workers > 0 {
		opts = append(opts, service.WithWorkers(cfg.Workers))
	}
	return opts
}

// Close releases the store and the metrics mirror. Stop the orchestrator
// first.
func (e *Engine) Close() error {
	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			return err
		}
	}
	return e.Store.Close()
}
