// Package bootstrap 根据配置组装 workflow 服务
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lionking1994/HerdAIWeb-sub001/internal/artifact"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/commonregister"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/config"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/crm"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/metrics"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/notify"
	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

// App 组装好的依赖
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client // 没有用到 redis 的时候为nil
	Registry  *workflow.DefinitionRegistry
	Artifacts *artifact.Store
	Service   workflow.WorkflowService
}

// Models 需要建表的所有模型
func Models() []any {
	models := workflow.AllModels()
	models = append(models, artifact.Models()...)
	models = append(models, crm.Models()...)
	return models
}

func OpenDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DB.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DB.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DB.DSN)
	default:
		return nil, errors.Errorf("unsupported db driver %s", cfg.DB.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s failed", cfg.DB.Driver)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB failed")
	}
	maxOpenConns := cfg.DB.MaxOpenConns
	if cfg.DB.Driver == "sqlite" {
		// sqlite 只有一个写连接, 多连接会出现 database is locked
		maxOpenConns = 1
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return errors.Wrap(err, "auto migrate failed")
	}
	return nil
}

// NewRegistry 加载内置流程和目录下的流程配置
func NewRegistry(cfg *config.Config) (*workflow.DefinitionRegistry, error) {
	registry := workflow.NewDefinitionRegistry()
	if cfg.Workflows.BuiltinFollowUp {
		if err := commonregister.RegisterMeetingFollowUp(registry); err != nil {
			return nil, err
		}
	}
	if cfg.Workflows.Dir != "" {
		if err := registry.LoadWorkflowConfigDir(cfg.Workflows.Dir); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

/*
*
  - @description: 按配置组装服务
  - @param ctx context.Context
  - @param cfg *config.Config
  - @param registerer prometheus.Registerer 为nil时使用 prometheus.DefaultRegisterer
  - @return *App, error
*/
func New(ctx context.Context, cfg *config.Config, registerer prometheus.Registerer) (*App, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, DB: db}
	if cfg.DB.AutoMigrate {
		if err := Migrate(db); err != nil {
			app.Close()
			return nil, err
		}
	}
	if cfg.RedisEnabled() {
		app.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := app.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			app.Close()
			return nil, errors.Wrapf(err, "ping redis %s failed", cfg.Redis.Addr)
		}
	}
	app.Registry, err = NewRegistry(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Artifacts = artifact.NewStore(db)

	opts, err := app.serviceOptions(registerer)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Service = workflow.NewWorkflowService(workflow.NewWorkflowRepo(db), app.lock(), app.Registry, opts...)
	slog.InfoContext(ctx, fmt.Sprintf("workflow service ready, db: %s, lock: %s, notify: %s, workflows: %v",
		cfg.DB.Driver, cfg.Lock.Driver, cfg.Notify.Driver, app.Registry.WorkflowIDs()))
	return app, nil
}

func (a *App) lock() workflow.WorkflowLock {
	if a.Config.Lock.Driver == "redis" {
		return workflow.NewRedisWorkflowLock(a.Redis)
	}
	return workflow.NewLocalWorkflowLock()
}

func (a *App) notifier() workflow.LinkNotifier {
	if a.Config.Notify.Driver == "redis" {
		return notify.NewRedisNotifier(a.Redis, a.Config.Notify.OutboxKey)
	}
	return notify.NewLogNotifier(slog.Default())
}

func (a *App) serviceOptions(registerer prometheus.Registerer) ([]workflow.ServiceOption, error) {
	directory := crm.NewDirectory(a.DB)
	opts := []workflow.ServiceOption{
		workflow.WithGate(workflow.NewApprovalGate(directory)),
		workflow.WithGate(workflow.NewCrmApprovalGate(crm.NewSnapshotSource(a.DB), directory)),
		workflow.WithGate(workflow.NewPdfSignatureGate(a.Artifacts)),
		workflow.WithObserver(metrics.NewPrometheusObserver(registerer)),
	}
	if a.Config.MagicLinksEnabled() {
		issuer, err := workflow.NewMagicLinkIssuer([]byte(a.Config.MagicLink.Secret),
			workflow.WithMagicLinkTTL(a.Config.MagicLink.TTL),
			workflow.WithMagicLinkMaxTTL(a.Config.MagicLink.MaxTTL),
			workflow.WithMagicLinkIssuerName(a.Config.MagicLink.Issuer),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, workflow.WithMagicLinks(issuer, a.Config.MagicLink.BaseURL, a.notifier()))
	} else {
		slog.Warn("[warn] magic_link.secret is empty, magic links are disabled")
	}
	opts = append(opts, commonregister.ServiceOptions()...)
	return opts, nil
}

func (a *App) Close() error {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			slog.Warn(fmt.Sprintf("[warn] close redis failed, err: %v", err))
		}
	}
	if a.DB == nil {
		return nil
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return errors.Wrap(err, "get sql.DB failed")
	}
	return sqlDB.Close()
}
