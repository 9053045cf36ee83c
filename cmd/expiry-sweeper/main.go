// cmd/expiry-sweeper/main.go
package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"stocknexus/internal/pkg/bootstrap"
	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/zookeeper"
	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/infrastructure"
)

const (
	serviceName = "expiry-sweeper"
	servicePort = 8085
)

// 独立部署的过期清理器。stock-service 内嵌了同样的清理循环，
// 这个进程用于把清理负载从在线服务上剥离的部署形态，
// 两者同时在线也安全：ZooKeeper 锁互斥，过期操作本身幂等。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	db, err := infrastructure.OpenDB(cfg.Infra.Mysql.DSN)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to open database")
	}
	uow := infrastructure.NewGormUnitOfWork(db)
	stockRepo := infrastructure.NewGormStockRepository(db)
	reservationRepo := infrastructure.NewGormReservationRepository(db)
	outboxRepo := infrastructure.NewGormOutboxRepository(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Infra.Redis.Addr})
	cache := infrastructure.NewRedisAvailabilityCache(redisClient, cfg.Infra.Redis.AvailabilityTTL.Std())

	tracer := otel.Tracer(serviceName)
	coordinator := application.NewCoordinator(uow, stockRepo, reservationRepo, outboxRepo, cache, tracer,
		cfg.App.HoldTTL.Std(), cfg.App.ContentionRetries)

	var zkConn *zookeeper.Conn
	var sweeperLock *zookeeper.DistributedLock
	if len(cfg.Infra.Zookeeper.Addrs) > 0 {
		zkConn, err = zookeeper.Connect(cfg.Infra.Zookeeper.Addrs)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		sweeperLock, err = zookeeper.NewDistributedLock(zkConn, "expiry-sweeper")
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to initialize sweeper lock")
		}
	}
	sweeper := application.NewSweeper(reservationRepo, coordinator, tracer,
		cfg.App.Sweep.Interval.Std(), cfg.App.Sweep.BatchSize, cfg.App.Sweep.Concurrency, sweeperLock)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
		StartWorkers: func(ctx context.Context) {
			sweeper.Start(ctx)
		},
		OnShutdown: func(ctx context.Context) {
			sweeper.Wait()
			redisClient.Close()
			if zkConn != nil {
				zkConn.Close()
			}
		},
	})
}
