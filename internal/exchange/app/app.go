// Package app 交易服务的依赖组装：配置 -> DB/Redis/etcd -> 业务对象 -> 监听
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/gorm"
	"spotex.com/internal/engine"
	"spotex.com/internal/events"
	"spotex.com/internal/exchange"
	xhttp "spotex.com/internal/exchange/http"
	"spotex.com/internal/ledger"
	ledgermodel "spotex.com/internal/ledger/repo/model"
	ledgerrepo "spotex.com/internal/ledger/repo/mysql"
	"spotex.com/internal/market"
	"spotex.com/internal/order"
	"spotex.com/internal/trade"
	"spotex.com/pkg/bootstrap"
	"spotex.com/pkg/breaker"
	"spotex.com/pkg/config"
	"spotex.com/pkg/interceptor"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/orm"
	"spotex.com/pkg/trace"
	"spotex.com/pkg/xetcd"
	"spotex.com/pkg/xredis"
)

const ServiceName = "exchange-service"

// Options 命令行传进来的开关
type Options struct {
	ConfigPaths []string
	// Migrate 启动时 AutoMigrate，生产一般走迁移脚本
	Migrate bool
}

func loadConfig(opt Options) (*exchange.Cfg, error) {
	cfg := &exchange.Cfg{}
	if _, err := config.LoadAndWatch(ServiceName, cfg, config.WithPaths(opt.ConfigPaths...)); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = ServiceName
	}
	if err := cfg.Exchange.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger.InitWithFile(cfg.Name, cfg.LogLevel, cfg.LogFile)
	return cfg, nil
}

// Run 阻塞到 ctx 取消
func Run(ctx context.Context, opt Options) error {
	cfg, err := loadConfig(opt)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info(ctx, "服务开始启动", zap.String("http", cfg.HTTPAddr), zap.String("grpc", cfg.GRPCAddr))

	var shutdown []func(context.Context) error
	if cfg.OTel.Enabled {
		stop, err := trace.InitTrace(cfg.Name, cfg.OTel)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		shutdown = append(shutdown, stop)
	}

	db, err := orm.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	if opt.Migrate {
		if err := Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	go metrics.WatchDBStats(ctx, sqlDB, 5*time.Second)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = xredis.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		go metrics.WatchRedisStats(ctx, rdb, 5*time.Second)
	}

	var etcdCli *clientv3.Client
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdCli, err = xetcd.NewClient(cfg.Etcd)
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer func() { _ = etcdCli.Close() }()
	}

	var cache ledger.Cache
	if rdb != nil {
		cache = ledger.NewRedisCache(rdb)
	}
	l := ledger.New(db, ledgerrepo.NewLedgerRepo(db), cache).WithCacheTTL(cfg.Exchange.BalanceCacheTTL)

	catalog := market.NewCachedCatalog(market.NewPairRepo(db), cfg.Exchange.PairRefresh)
	if n, err := exchange.SeedPairs(ctx, catalog, cfg.Pairs); err != nil {
		return fmt.Errorf("seed pairs: %w", err)
	} else if n > 0 {
		logger.Info(ctx, "trading pairs seeded", zap.Int("count", n))
	}
	if cfg.Exchange.PairRefresh > 0 {
		catalog.StartAutoRefresh(ctx, cfg.Exchange.PairRefresh)
	}

	locker, closeLocker, err := newLocker(cfg, rdb, etcdCli)
	if err != nil {
		return err
	}
	if closeLocker != nil {
		defer closeLocker()
	}
	eng := engine.NewEngine(engine.EngineConfig{
		ActorCfg: engine.ActorConfig{MailboxSize: cfg.Exchange.MailboxSize, BatchMax: cfg.Exchange.BatchMax},
		Locker:   locker,
	})
	defer eng.Stop()

	bus := events.NewBus(cfg.Events.BusSize)
	dispatcher, err := newDispatcher(ctx, cfg.Events, bus)
	if err != nil {
		return err
	}
	dispatcher.Start(ctx)
	shutdown = append(shutdown, func(context.Context) error {
		dispatcher.Wait()
		return dispatcher.Close()
	})

	svc := exchange.NewService(db, catalog, l, order.NewRepo(db), trade.NewRepo(db), eng, bus, cfg.Exchange)
	svc.StartExpirySweeper(ctx)

	return bootstrap.Serve(ctx, bootstrap.Options{
		ServiceName: cfg.Name,
		HTTPAddr:    cfg.HTTPAddr,
		HTTPHandler: xhttp.NewEngine(svc, xhttp.Options{ServiceName: cfg.Name}),
		GRPCAddr:    cfg.GRPCAddr,
		UnaryInterceptors: []grpc.UnaryServerInterceptor{
			interceptor.RecoverUnary(),
			interceptor.RequestIDServerUnary(),
			interceptor.ErrorUnary(),
		},
		Etcd:          etcdCli,
		ServicePrefix: cfg.Etcd.ServicePrefix,
		MetricsAddr:   cfg.MetricsAddr,
		PprofAddr:     cfg.PprofAddr,
		OnShutdown:    shutdown,
	})
}

// Seed 一次性给账户入金后退出，联调环境造数据用；不做幂等，别在生产跑
func Seed(ctx context.Context, opt Options, raw string) error {
	deposits, err := exchange.ParseSeedDeposits(raw)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opt)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := orm.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer func() { _ = sqlDB.Close() }()
	}
	if opt.Migrate {
		if err := Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// 在线实例的余额缓存要跟着失效
	var cache ledger.Cache
	if cfg.Redis.Addr != "" {
		rdb, err := xredis.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		cache = ledger.NewRedisCache(rdb)
	}
	l := ledger.New(db, ledgerrepo.NewLedgerRepo(db), cache)
	catalog := market.NewCachedCatalog(market.NewPairRepo(db), cfg.Exchange.PairRefresh)
	if _, err := exchange.SeedPairs(ctx, catalog, cfg.Pairs); err != nil {
		return fmt.Errorf("seed pairs: %w", err)
	}
	eng := engine.NewEngine(engine.EngineConfig{})
	defer eng.Stop()
	svc := exchange.NewService(db, catalog, l, order.NewRepo(db), trade.NewRepo(db), eng, nil, cfg.Exchange)

	batch := time.Now().UTC().Format("20060102T150405")
	if err := svc.SeedDeposits(ctx, batch, deposits); err != nil {
		return err
	}
	logger.Info(ctx, "✅ seed finished", zap.String("batch", batch), zap.Int("deposits", len(deposits)))
	return nil
}

// Migrate 建表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&market.TradingPair{},
		&order.Order{},
		&trade.Trade{},
		&ledgermodel.BalanceRow{},
		&ledgermodel.EntryRow{},
	)
}

// newLocker 多实例部署时用 redis / etcd 做交易对互斥，单实例 local 就够
func newLocker(cfg *exchange.Cfg, rdb *redis.Client, cli *clientv3.Client) (engine.PairLocker, func(), error) {
	switch cfg.Lock.Driver {
	case "", "local":
		return engine.LocalLocker{}, nil, nil
	case "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("lock driver redis requires redis.addr")
		}
		return engine.NewRedisLocker(rdb, "", cfg.Lock.TTL, cfg.Lock.RetryTimes, cfg.Lock.RetryInterval), nil, nil
	case "etcd":
		if cli == nil {
			return nil, nil, fmt.Errorf("lock driver etcd requires etcd.endpoints")
		}
		l := xetcd.NewLocker(cli, cfg.Etcd.LockPrefix, cfg.Etcd.SessionTTL)
		return engine.NewEtcdLocker(l), func() { _ = l.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock driver %q", cfg.Lock.Driver)
	}
}

// newDispatcher 按配置挂 sink；一个都没配也照常启动，事件只在总线上流转
func newDispatcher(ctx context.Context, cfg exchange.EventsCfg, bus *events.Bus) (*events.Dispatcher, error) {
	var sinks []events.Sink
	if cfg.Nats.URL != "" {
		s, err := events.NewNatsSink(cfg.Nats.URL, cfg.Nats.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		s, err := events.NewKafkaSink(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Influx.URL != "" {
		logger.Info(ctx, "influx sink enabled", zap.Stringer("influx", cfg.Influx))
		sinks = append(sinks, events.NewInfluxSink(cfg.Influx))
	}

	var spool *events.Spool
	if cfg.SpoolDir != "" {
		var err error
		spool, err = events.OpenSpool(cfg.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("open spool: %w", err)
		}
	}
	if len(sinks) == 0 {
		logger.Warn(ctx, "no event sinks configured")
	}
	return events.NewDispatcher(bus, breaker.NewManager(cfg.Breaker, nil), spool, cfg.Dispatch, sinks...), nil
}
