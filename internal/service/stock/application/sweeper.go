// internal/service/stock/application/sweeper.go
package application

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/zookeeper"
	"stocknexus/internal/service/stock/domain"
)

// Sweeper 定期把超时的 PENDING 预占流转为 EXPIRED。
// 正确性不依赖扫描节奏：晚扫不会超卖（数量一直记在 reserved 上），
// 多实例并发扫描也安全（Expire 的 CAS 让重复处理退化为 no-op）。
// ZooKeeper 锁只是减少多副本的重复劳动，拿不到锁时照常扫描。
type Sweeper struct {
	reservations domain.ReservationRepository
	coordinator  *Coordinator
	tracer       trace.Tracer

	interval    time.Duration
	batchSize   int
	concurrency int

	// 可为 nil，此时不做实例间互斥
	lock *zookeeper.DistributedLock

	wg sync.WaitGroup
}

func NewSweeper(reservations domain.ReservationRepository, coordinator *Coordinator, tracer trace.Tracer,
	interval time.Duration, batchSize, concurrency int, lock *zookeeper.DistributedLock) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Sweeper{
		reservations: reservations,
		coordinator:  coordinator,
		tracer:       tracer,
		interval:     interval,
		batchSize:    batchSize,
		concurrency:  concurrency,
		lock:         lock,
	}
}

// Start 启动后台扫描循环，随 ctx 取消而退出。
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Ctx(ctx).Info().Dur("interval", s.interval).Msg("expiry sweeper started")

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Ctx(ctx).Info().Msg("expiry sweeper shutting down")
				return
			case <-ticker.C:
				if expired, err := s.sweepWithLock(ctx); err != nil {
					logger.Ctx(ctx).Error().Err(err).Msg("sweep run failed")
				} else if expired > 0 {
					logger.Ctx(ctx).Info().Int("expired", expired).Msg("sweep run finished")
				}
			}
		}
	}()
}

// Wait 阻塞直到扫描循环退出。
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

func (s *Sweeper) sweepWithLock(ctx context.Context) (int, error) {
	if s.lock != nil {
		if err := s.lock.Lock(10 * time.Second); err != nil {
			// 拿不到锁说明别的实例在扫，或者 ZK 不可用。
			// 无论哪种情况都直接扫：重复处理是安全的 no-op
			logger.Ctx(ctx).Warn().Err(err).Msg("sweeper lock not acquired, sweeping anyway")
		} else {
			defer func() {
				if err := s.lock.Unlock(); err != nil {
					logger.Ctx(ctx).Warn().Err(err).Msg("failed to release sweeper lock")
				}
			}()
		}
	}
	return s.SweepOnce(ctx)
}

// SweepOnce 执行一轮扫描：捞出一批到期的 PENDING 预占并逐条过期。
// 返回本轮成功过期的数量。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper.SweepOnce")
	defer span.End()

	expired, err := s.reservations.FindExpired(ctx, time.Now(), s.batchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("sweep.candidates", len(expired)))

	// 到期的预占分布在不同库存行上，并发处理不会放大行锁竞争
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	var count atomic.Int64
	for _, reservation := range expired {
		g.Go(func() error {
			if err := s.coordinator.Expire(gctx, reservation.ID); err != nil {
				// 单条失败不中断本轮，下一轮会再捞到它
				logger.Ctx(gctx).Error().Err(err).
					Str("reservation_id", reservation.ID).
					Msg("failed to expire reservation")
				return nil
			}
			count.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return int(count.Load()), err
	}
	return int(count.Load()), nil
}
