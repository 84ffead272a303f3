package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/searchktools/stagehttp/config"
	"github.com/searchktools/stagehttp/core"
)

// App is the application instance wrapping an event-loop engine
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	engine *core.Engine
}

// New creates an application instance
func New(cfg *config.Config) *App {
	log, err := NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		log = zap.NewNop()
	}
	engine := core.NewEngine(
		core.WithLogger(log),
		core.WithLimits(cfg.Limits),
		core.WithWorkers(cfg.Workers),
		core.WithMaxConnections(cfg.MaxConns),
	)
	return NewWithEngine(cfg, engine, log)
}

// NewWithEngine creates an application instance with a pre-configured engine
func NewWithEngine(cfg *config.Config, engine *core.Engine, log *zap.Logger) *App {
	return &App{
		cfg:    cfg,
		log:    log,
		engine: engine,
	}
}

// NewLogger builds the zap logger for cfg: JSON in production, console
// otherwise.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Env == "production" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Logger returns the application logger
func (a *App) Logger() *zap.Logger {
	return a.log
}

// Run serves until SIGINT or SIGTERM, then drains connections
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext serves until ctx is done
func (a *App) RunContext(ctx context.Context) error {
	defer a.log.Sync()

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	a.log.Info("starting",
		zap.Int("port", a.cfg.Port),
		zap.String("env", a.cfg.Env),
	)
	if err := a.engine.Run(ctx, addr); err != nil {
		a.log.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}
