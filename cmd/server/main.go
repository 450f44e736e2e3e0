package main

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ca-x/hostsync/internal/checksum"
	"github.com/ca-x/hostsync/internal/cleanup"
	"github.com/ca-x/hostsync/internal/config"
	"github.com/ca-x/hostsync/internal/database"
	"github.com/ca-x/hostsync/internal/handler"
	"github.com/ca-x/hostsync/internal/logger"
	"github.com/ca-x/hostsync/internal/notification"
	"github.com/ca-x/hostsync/internal/scheduler"
	"github.com/ca-x/hostsync/internal/secret"
	"github.com/ca-x/hostsync/internal/server"
	"github.com/ca-x/hostsync/internal/service"
	"github.com/ca-x/hostsync/internal/storage"
	"github.com/ca-x/hostsync/internal/store"
	"github.com/ca-x/hostsync/internal/sync"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.Load,
			func(cfg *config.Config) *zap.Logger {
				return logger.InitLogger(cfg.Logging)
			},
			func(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (store.Store, error) {
				database.SetLogger(log)
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				st, err := store.Open(ctx, cfg.Database)
				if err != nil {
					return nil, err
				}
				lc.Append(fx.StopHook(st.Close))
				return st, nil
			},
			func(cfg *config.Config, log *zap.Logger) *secret.Box {
				if cfg.Security.SecretKey == "" {
					log.Warn("security.secret_key is empty, host credentials are stored unencrypted")
				}
				return secret.NewBox(cfg.Security.SecretKey)
			},
			func(cfg *config.Config, box *secret.Box, log *zap.Logger) storage.Dialer {
				return storage.NewHostDialer(cfg, box, log)
			},
			func(cfg *config.Config) (*checksum.Index, error) {
				algo, err := checksum.ParseAlgorithm(cfg.Sync.ChecksumAlgorithm)
				if err != nil {
					return nil, err
				}
				return checksum.NewIndex(afero.NewOsFs(), algo), nil
			},
			notification.NewHub,
			func(cfg *config.Config, log *zap.Logger) *notification.Service {
				return notification.NewService(&cfg.Notification, log)
			},
			func(cfg *config.Config, st store.Store, dialer storage.Dialer, index *checksum.Index, hub *notification.Hub, mail *notification.Service, log *zap.Logger) *sync.Supervisor {
				return sync.NewSupervisor(st, dialer, afero.NewOsFs(), index, notification.Multi{hub, mail}, log, sync.Options{
					ChunkSize:     cfg.Sync.ChunkSize,
					RateLimit:     cfg.Sync.RateLimitBytesPerSec,
					MaxConcurrent: cfg.Sync.MaxConcurrent,
					StallTimeout:  cfg.Sync.StallTimeout(),
					ReapGrace:     cfg.Sync.ReapGrace(),
				})
			},
			func(st store.Store, box *secret.Box, dialer storage.Dialer, supervisor *sync.Supervisor, log *zap.Logger) *service.HostService {
				return service.NewHostService(st, box, dialer, supervisor, log)
			},
			func(cfg *config.Config, log *zap.Logger) *cleanup.Service {
				return cleanup.NewService(afero.NewOsFs(), cfg.Sync.SpoolDir, cfg.Sync.SpoolRetention(), clockwork.NewRealClock(), log)
			},
			func(cfg *config.Config, supervisor *sync.Supervisor, hosts *service.HostService, mail *notification.Service, cleaner *cleanup.Service, log *zap.Logger) *scheduler.Service {
				return scheduler.NewService(supervisor, hosts, mail, cleaner, scheduler.Options{
					StallTimeout:         cfg.Sync.StallTimeout(),
					HealthCheckInterval:  time.Duration(cfg.Sync.HealthCheckInterval) * time.Second,
					SpoolCleanupInterval: time.Duration(cfg.Sync.SpoolCleanupInterval) * time.Second,
				}, log)
			},
			func(supervisor *sync.Supervisor, hosts *service.HostService, st store.Store, hub *notification.Hub, cleaner *cleanup.Service, log *zap.Logger) *handler.Handler {
				return handler.New(supervisor, hosts, st, hub, cleaner, log)
			},
			server.New,
		),
		fx.Invoke(func(lc fx.Lifecycle, srv *server.Server, supervisor *sync.Supervisor, scheduler *scheduler.Service, log *zap.Logger) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					log.Info("hostsync starting...")

					if _, err := supervisor.Recover(ctx); err != nil {
						return err
					}

					// The start context ends once startup completes.
					if err := scheduler.Start(context.Background()); err != nil {
						log.Error("Failed to start scheduler", zap.Error(err))
					}

					go func() {
						if err := srv.Start(); err != nil {
							log.Info("Server stopped", zap.Error(err))
						}
					}()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					log.Info("hostsync stopping...")
					err := srv.Shutdown(ctx)
					scheduler.Stop()
					if stopErr := supervisor.Stop(ctx); stopErr != nil {
						log.Error("Failed to park running jobs", zap.Error(stopErr))
					}
					logger.Sync()
					return err
				},
			})
		}),
	)

	app.Run()
}
