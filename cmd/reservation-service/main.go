// cmd/reservation-service/main.go
package main

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"stockhold/internal/pkg/bootstrap"
	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/metrics"
	"stockhold/internal/pkg/mq"
	"stockhold/internal/pkg/redis"
	"stockhold/internal/pkg/zookeeper"
	"stockhold/internal/service/reservation/application"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/infrastructure"
	"stockhold/internal/service/reservation/infrastructure/adapter"
	"stockhold/internal/service/reservation/interfaces"
	"stockhold/internal/service/reservation/port"
)

const serviceName = "reservation-service"

type ledger interface {
	domain.StockLedger
	domain.StockRestocker
	domain.StockLister
}

func main() {
	if err := bootstrap.Init(); err != nil {
		logger.Ctx(context.Background()).Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg := bootstrap.GetCurrentConfig()
	logger.Init(serviceName, cfg.App.LogLevel)
	log := logger.Ctx(context.Background())

	var closers []func() error

	// 1. 账本
	stock, holds, closeLedger, err := newLedger(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.App.Ledger).Msg("failed to initialize stock ledger")
	}
	if closeLedger != nil {
		closers = append(closers, closeLedger)
	}
	seedStock(stock, cfg.App.Seed)

	// 2. 商品锁
	locker, closeLocker, err := newLocker(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("locker", cfg.App.Locker).Msg("failed to initialize locker")
	}
	if closeLocker != nil {
		closers = append(closers, closeLocker)
	}

	// 3. 限购规则，规则随配置热更新
	policy, err := infrastructure.NewCELHoldPolicy(func() string {
		return bootstrap.GetCurrentConfig().App.Reservation.HoldLimitRule
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid hold limit rule")
	}

	// 4. 事件发布：WebSocket 推送 + Kafka
	hub := interfaces.NewHub()
	publishers := adapter.MultiPublisher{hub}
	if cfg.Infra.Kafka.Enabled {
		eventWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.EventsTopic)
		closers = append(closers, eventWriter.Close)
		publishers = append(publishers, adapter.NewEventKafkaAdapter(eventWriter))
	}

	reservationMetrics := metrics.NewReservation(prometheus.DefaultRegisterer)
	opts := []application.Option{
		application.WithPolicy(policy),
		application.WithPublisher(publishers),
		application.WithMetrics(reservationMetrics),
		application.WithTracer(otel.Tracer(serviceName)),
		application.WithTTL(func() time.Duration {
			return bootstrap.GetCurrentConfig().App.Reservation.HoldTTL
		}),
		application.WithLockWait(cfg.App.Reservation.LockWait),
	}
	if holds != nil {
		opts = append(opts, application.WithHoldStore(holds))
	}
	manager := application.NewManager(stock, locker, opts...)
	reconcile(manager, stock)

	scheduler := application.NewExpiryScheduler(manager, func() time.Duration {
		return bootstrap.GetCurrentConfig().App.Reservation.SweepInterval
	}, cfg.App.Reservation.SweepBatch, reservationMetrics)
	workers := []bootstrap.Worker{scheduler.Run}

	if cfg.Infra.Kafka.Enabled {
		k := cfg.Infra.Kafka
		dltWriter := mq.NewKafkaWriter(k.Brokers, k.DeadLetterTopic)
		closers = append(closers, dltWriter.Close)
		consumer := interfaces.NewCheckoutConsumerAdapter(
			mq.NewKafkaReader(k.Brokers, k.CheckoutTopic, k.ConsumerGroup),
			manager,
			mq.NewFailureHandler(dltWriter),
		)
		workers = append(workers, consumer.Run)
	}

	handler := interfaces.NewReservationHandler(manager, hub)
	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Workers: workers,
		Closers: closers,
	})
	if err != nil {
		os.Exit(1)
	}
}

// newLedger 创建账本和与之同库的占用存储。内存账本不持久化占用，返回的 HoldStore 为 nil。
func newLedger(cfg *bootstrap.Config) (ledger, port.HoldStore, func() error, error) {
	switch cfg.App.Ledger {
	case "redis":
		client, err := redis.NewClient(cfg.Infra.Redis.Addrs)
		if err != nil {
			return nil, nil, nil, err
		}
		l, err := infrastructure.NewRedisLedger(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		holds, err := infrastructure.NewRedisHoldStore(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return l, holds, client.Close, nil
	case "mysql":
		my := cfg.Infra.MySQL
		db, err := infrastructure.OpenMySQL(my.Addr, my.User, my.Password, my.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, nil, err
		}
		return infrastructure.NewGormLedger(db), infrastructure.NewGormHoldStore(db), sqlDB.Close, nil
	default:
		return infrastructure.NewMemoryLedger(), nil, nil, nil
	}
}

// reconcile 在启动时收回上次退出时遗留的、没有对应占用的 reserved。
func reconcile(manager *application.Manager, stock ledger) {
	ctx := context.Background()
	products, err := stock.Products(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to list products for reconcile")
		return
	}
	if err := manager.Reconcile(ctx, products); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Stock reconcile finished with errors")
		return
	}
	logger.Ctx(ctx).Info().Int("products", len(products)).Msg("🧮 Stock reconciled")
}

func newLocker(cfg *bootstrap.Config) (port.Locker, func() error, error) {
	if cfg.App.Locker != "zookeeper" {
		return infrastructure.NewLocalLocker(), nil, nil
	}
	zk := cfg.Infra.Zookeeper
	conn, err := zookeeper.Connect(zk.Servers, zk.SessionTimeout)
	if err != nil {
		return nil, nil, err
	}
	return infrastructure.NewZookeeperLocker(conn), func() error { conn.Close(); return nil }, nil
}

// seedStock 只创建账本中还不存在的商品，不会覆盖已有库存。
func seedStock(stock ledger, seed []bootstrap.SeedProduct) {
	ctx := context.Background()
	for _, p := range seed {
		_, err := stock.Get(ctx, p.ProductID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrProductNotFound) {
			logger.Ctx(ctx).Error().Err(err).Str("product_id", p.ProductID).Msg("Failed to check seed product")
			continue
		}
		if err := stock.SetTotal(ctx, p.ProductID, p.TotalStock); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("product_id", p.ProductID).Msg("Failed to seed product")
			continue
		}
		logger.Ctx(ctx).Info().Str("product_id", p.ProductID).Uint("total", p.TotalStock).Msg("Seeded product stock")
	}
}
