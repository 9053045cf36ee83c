// cmd/stock-service/main.go
package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"stocknexus/internal/pkg/bootstrap"
	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/mq"
	"stocknexus/internal/pkg/zookeeper"
	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/infrastructure"
	"stocknexus/internal/service/stock/infrastructure/rule"
	"stocknexus/internal/service/stock/interfaces"
)

const (
	serviceName = "stock-service"
	servicePort = 8084
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	// 1. 持久化
	db, err := infrastructure.OpenDB(cfg.Infra.Mysql.DSN)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to open database")
	}
	uow := infrastructure.NewGormUnitOfWork(db)
	stockRepo := infrastructure.NewGormStockRepository(db)
	reservationRepo := infrastructure.NewGormReservationRepository(db)
	outboxRepo := infrastructure.NewGormOutboxRepository(db)

	// 2. 可用量缓存 + 规则引擎
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Infra.Redis.Addr})
	cache := infrastructure.NewRedisAvailabilityCache(redisClient, cfg.Infra.Redis.AvailabilityTTL.Std())

	ruleEngine, err := rule.NewCELRuleEngine()
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to initialize rule engine")
	}

	// 3. 应用层
	tracer := otel.Tracer(serviceName)
	coordinator := application.NewCoordinator(uow, stockRepo, reservationRepo, outboxRepo, cache, tracer,
		cfg.App.HoldTTL.Std(), cfg.App.ContentionRetries)
	allocator := application.NewAllocator(stockRepo, cache, ruleEngine, tracer, cfg.App.Allocator.EligibilityRule)
	appSvc := application.NewStockApplicationService(coordinator, allocator, tracer)

	// 4. Kafka：出站事件 + 入站订单事件 + DLQ
	eventWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.StockEventsTopic)
	dlqWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.DLQTopic)
	orderReader := mq.NewKafkaReader(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.OrderEventsTopic, cfg.Infra.Kafka.ConsumerGroup)
	consumer := infrastructure.NewOrderConsumerAdapter(orderReader, appSvc, mq.NewFailureHandler(dlqWriter))

	// 5. WebSocket 运维事件流，由发件箱中继喂事件
	hub := interfaces.NewHub()
	relay := application.NewOutboxRelay(outboxRepo, infrastructure.NewKafkaEventSink(eventWriter), tracer,
		cfg.App.Relay.Interval.Std(), cfg.App.Relay.BatchSize, cfg.App.Relay.MaxAttempts, hub)

	// 6. 过期清理器，多副本部署时用 ZooKeeper 锁互斥
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

	handler := interfaces.NewStockHandler(appSvc, hub)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		StartWorkers: func(ctx context.Context) {
			go hub.Run()
			consumer.Start(ctx)
			relay.Start(ctx)
			sweeper.Start(ctx)
		},
		OnShutdown: func(ctx context.Context) {
			consumer.Stop()
			relay.Wait()
			sweeper.Wait()
			eventWriter.Close()
			dlqWriter.Close()
			redisClient.Close()
			if zkConn != nil {
				zkConn.Close()
			}
		},
	})
}
