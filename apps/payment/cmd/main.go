package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"planpay.com/apps/payment/config"
	"planpay.com/apps/payment/internal/app/expiry"
	"planpay.com/apps/payment/internal/app/ingestion"
	"planpay.com/apps/payment/internal/app/reconcile"
	"planpay.com/apps/payment/internal/core/service"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/apps/payment/internal/infra/cache"
	"planpay.com/apps/payment/internal/infra/klaytn"
	"planpay.com/apps/payment/internal/infra/notify"
	"planpay.com/apps/payment/internal/infra/octet"
	"planpay.com/apps/payment/internal/infra/persistence"
	pkgconfig "planpay.com/pkg/config"
	"planpay.com/pkg/hdwallet"
	"planpay.com/pkg/logger"
	"planpay.com/pkg/metrics"
	"planpay.com/pkg/orm"
	"planpay.com/pkg/ratelimit"
	"planpay.com/pkg/trace"
	"planpay.com/pkg/xredis"
)

var (
	replayHeight = flag.Int64("replay", 0, "re-run a single block synchronously and exit")
	deadLetters  = flag.Int64("dead", 0, "print the latest N dead-lettered block jobs and exit")
)

// App 进程内的长生命周期组件
// Payments 供外部 HTTP 层调用下单
type App struct {
	cfg *config.Config

	db       *gorm.DB
	rdb      *redis.Client
	nc       *notify.NatsPublisher
	klaytn   *klaytn.Adapter
	repo     *persistence.Repo
	listen   *cache.ListenerSet
	queue    *ingestion.Queue
	retries  *cache.DepositRetryQueue
	octet    *octet.Client
	Payments *service.PaymentService
	quotes   *service.QuoteTable

	pipeline *ingestion.Pipeline
	heads    *ingestion.HeadListener
	recon    *reconcile.Job
	expiry   *expiry.Sweeper
}

func main() {
	flag.Parse()

	// 1. 加载配置
	var c config.Config
	// 配置回调在 viper 的 watcher 协程里执行
	var current atomic.Pointer[App]
	_, err := pkgconfig.LoadAndWatch("payment", &c, func() {
		// 只热更新报价表，其它配置需要重启
		if a := current.Load(); a != nil {
			a.reloadQuotes()
		}
	})
	if err != nil {
		panic("load config: " + err.Error())
	}
	c.SetDefaults()

	// 2. 基础设施
	logger.InitWithFile(c.Name, c.Log.Level, c.Log.File)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace, err := trace.InitTrace(c.Name, c.Trace.Endpoint)
	if err != nil {
		logger.Fatal(ctx, "init trace failed", zap.Error(err))
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	app, err := build(ctx, &c)
	if err != nil {
		logger.Fatal(ctx, "build app failed", zap.Error(err))
	}
	defer app.close()
	current.Store(app)
	logger.Info(ctx, "✅ Infrastructure initialized")

	switch {
	case *replayHeight > 0:
		if err := app.pipeline.Replay(ctx, *replayHeight); err != nil {
			logger.Fatal(ctx, "replay failed", zap.Int64("height", *replayHeight), zap.Error(err))
		}
		logger.Info(ctx, "replay done", zap.Int64("height", *replayHeight))
		return
	case *deadLetters > 0:
		jobs, err := app.queue.DeadLetters(ctx, *deadLetters)
		if err != nil {
			logger.Fatal(ctx, "list dead letters failed", zap.Error(err))
		}
		for _, j := range jobs {
			logger.Info(ctx, "dead letter",
				zap.Int64("height", j.Height),
				zap.String("hash", j.Hash),
				zap.Int("attempt", j.Attempt),
				zap.String("reason", j.Reason))
		}
		deposits, err := app.retries.DeadLetters(ctx, *deadLetters)
		if err != nil {
			logger.Fatal(ctx, "list dead deposits failed", zap.Error(err))
		}
		for _, d := range deposits {
			logger.Info(ctx, "dead deposit",
				zap.Int64("external_id", d.Candidate.ExternalID),
				zap.String("to", d.Candidate.ToAddress),
				zap.String("tx_hash", d.Candidate.TxHash),
				zap.Int("attempt", d.Attempt),
				zap.String("reason", d.Reason))
		}
		return
	}

	if err := app.run(ctx); err != nil {
		logger.Error(ctx, "payment service exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info(ctx, "👋 payment service stopped")
}

func build(ctx context.Context, c *config.Config) (*App, error) {
	a := &App{cfg: c}

	a.db = orm.NewMySQL(&orm.Config{
		DSN:         c.Mysql.DataSource,
		MaxIdle:     c.Mysql.MaxIdle,
		MaxOpen:     c.Mysql.MaxOpen,
		MaxLifetime: c.Mysql.MaxLifetime,
		LogSQL:      c.Mysql.LogSQL,
	})
	a.repo = persistence.New(a.db)
	if err := a.repo.Migrate(); err != nil {
		return nil, err
	}

	a.rdb = xredis.NewRedis(&xredis.Config{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		PoolSize: c.Redis.PoolSize,
	})
	a.listen = cache.NewListenerSet(a.rdb, "")
	a.retries = cache.NewDepositRetryQueue(a.rdb, "", c.Reconcile.MaxRetries)

	var err error
	a.nc, err = notify.NewNatsPublisher(c.Nats.URL, nats.Name(c.Name))
	if err != nil {
		return nil, err
	}

	// 链适配器 & 地址来源
	wallet, err := hdwallet.New(c.Klaytn.Mnemonic, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	hdKeys := klaytn.NewHDKeySource(wallet, a.repo)
	a.klaytn, err = klaytn.New(ctx, klaytn.Config{
		RPC:           c.Klaytn.RPC,
		WS:            c.Klaytn.WS,
		MasterAddress: c.Klaytn.MasterAddress,
		GasLimit:      c.Klaytn.GasLimit,
		CallTimeout:   c.Ingestion.CallTimeout,
		Symbol:        c.Klaytn.Symbol,
	}, hdKeys)
	if err != nil {
		return nil, err
	}
	breakers := ratelimit.NewManager(ratelimit.Rule{}, nil)
	a.octet = octet.New(octet.Config{
		BaseURL:   c.Octet.BaseURL,
		Token:     c.Octet.Token,
		Coin:      c.Octet.Coin,
		RateLimit: c.Octet.RateLimit,
		Burst:     c.Octet.Burst,
		Timeout:   c.Octet.Timeout,
	}, breakers)

	// 核心服务
	pool := service.NewAccountPool(a.repo, a.repo, map[domain.Chain]domain.KeySource{
		domain.ChainKlaytn: hdKeys,
		domain.ChainOctet:  a.octet,
	})
	saga := service.NewDepositSaga(service.SagaDeps{
		Tx:         a.repo,
		Accounts:   a.repo,
		Payments:   a.repo,
		Deposits:   a.repo,
		Users:      a.repo,
		Sweepers:   map[domain.Chain]domain.Sweeper{domain.ChainKlaytn: a.klaytn},
		Listeners:  a.listen,
		Completion: notify.NewCompletionNotifier(a.nc),
	})
	rates, err := c.QuoteRates()
	if err != nil {
		return nil, err
	}
	a.quotes = service.NewQuoteTable(rates)
	logger.Info(ctx, "quote table loaded", zap.Int64("version", a.quotes.Version()), zap.Int("chains", len(rates)))
	a.Payments = service.NewPaymentService(a.repo, pool, a.repo, a.repo, a.quotes, a.listen, c.Payment.ReservationWindow)

	// 后台任务
	host, _ := os.Hostname()
	a.queue = ingestion.NewQueue(a.rdb, ingestion.QueueConfig{})
	a.pipeline = ingestion.New(ingestion.Config{
		Consumers:         c.Ingestion.Consumers,
		ConsumerPrefix:    host,
		MaxAttempts:       c.Ingestion.MaxAttempts,
		RetryBackoff:      c.Ingestion.RetryBackoff,
		TxCountRetryDelay: c.Ingestion.TxCountRetryDelay,
		ClaimIdle:         c.Ingestion.ClaimIdle,
		ClaimInterval:     c.Ingestion.ClaimInterval,
	}, a.klaytn, a.queue, a.listen, saga, a.retries, a.repo)
	a.heads = ingestion.NewHeadListener(a.pipeline, a.klaytn, xredis.NewRedisLockMaster(a.rdb), "", c.Ingestion.LeaderTTL)
	a.recon = reconcile.New(a.repo, a.repo,
		map[domain.Chain]domain.DepositProvider{domain.ChainOctet: a.octet},
		a.retries, saga, xredis.NewDistLock(a.rdb, "payment:lock:reconcile", 5*time.Minute), c.Reconcile.Interval)
	a.expiry = expiry.New(a.repo, a.repo, pool, a.listen,
		xredis.NewDistLock(a.rdb, "payment:lock:expiry", 5*time.Minute), c.Expiry.Interval)

	return a, nil
}

// rebuildListeners 重启后以 halted 地址为准重建监听集合
func (a *App) rebuildListeners(ctx context.Context) error {
	halted, err := a.repo.ListHalted(ctx)
	if err != nil {
		return err
	}
	addrs := make([]string, 0, len(halted))
	for _, acc := range halted {
		addrs = append(addrs, acc.Address)
	}
	if err := a.listen.Rebuild(ctx, addrs); err != nil {
		return err
	}
	logger.Info(ctx, "listener set rebuilt", zap.Int("addresses", len(addrs)))
	return nil
}

func (a *App) reloadQuotes() {
	ctx := context.Background()
	rates, err := a.cfg.QuoteRates()
	if err != nil {
		logger.Error(ctx, "reload quotes failed, keep previous table", zap.Error(err))
		return
	}
	v := a.quotes.Replace(rates)
	logger.Info(ctx, "quote table replaced", zap.Int64("version", v))
}

func (a *App) run(ctx context.Context) error {
	if err := a.rebuildListeners(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: metricsMux()}
	a.octet.StartJanitor(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pipeline.RunWorkers(ctx) })
	g.Go(func() error { return a.heads.Run(ctx) })
	g.Go(func() error { return a.recon.Start(ctx) })
	g.Go(func() error { return a.expiry.Start(ctx) })
	g.Go(func() error {
		logger.Info(ctx, "metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info(ctx, "Shutdown signal received...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (a *App) close() {
	a.klaytn.Close()
	_ = a.nc.Close()
	_ = a.rdb.Close()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
