package expiry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
	"planpay.com/pkg/metrics"
	"planpay.com/pkg/safe"
)

const (
	sweepName    = "expiry"
	defaultBatch = 200
)

type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) (bool, error)
}

// Releaser 地址回池 (AccountPool)
type Releaser interface {
	Release(ctx context.Context, address string) error
}

type Unlistener interface {
	Unlisten(ctx context.Context, address string) error
}

// Sweeper 取消过期未支付订单并归还地址
type Sweeper struct {
	tx        domain.TxManager
	payments  domain.PaymentRepo
	pool      Releaser
	listeners Unlistener
	lock      Locker
	interval  time.Duration
	batch     int
	now       func() time.Time
}

func New(tx domain.TxManager, payments domain.PaymentRepo, pool Releaser, listeners Unlistener,
	lock Locker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		tx:        tx,
		payments:  payments,
		pool:      pool,
		listeners: listeners,
		lock:      lock,
		interval:  interval,
		batch:     defaultBatch,
		now:       time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	safe.Every(ctx, sweepName, s.interval, func(ctx context.Context) {
		if _, err := s.RunOnce(ctx); err != nil {
			logger.Error(ctx, "expiry sweep failed", zap.Error(err))
		}
	})
	return nil
}

// RunOnce 返回本轮取消的订单数，单笔失败不影响其他订单
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx = logger.WithTraceID(ctx, "expiry-"+uuid.NewString())
	if s.lock != nil {
		ok, err := s.lock.TryLock(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() { _, _ = s.lock.Unlock(context.WithoutCancel(ctx)) }()
	}

	expired, err := s.payments.ListExpired(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, p := range expired {
		var done bool
		err := safe.Call(ctx, func(ctx context.Context) error {
			var err error
			done, err = s.cancel(ctx, p)
			return err
		})
		switch {
		case err != nil:
			metrics.SweepItems.WithLabelValues(sweepName, "failed").Inc()
			logger.Error(ctx, "cancel expired payment failed", zap.String("payment_id", p.PaymentID), zap.Error(err))
		case done:
			cancelled++
			metrics.SweepItems.WithLabelValues(sweepName, "cancelled").Inc()
		default:
			// 已被 saga 抢先完成
			metrics.SweepItems.WithLabelValues(sweepName, "skipped").Inc()
		}
	}
	if cancelled > 0 {
		logger.Info(ctx, "expired payments cancelled", zap.Int("count", cancelled))
	}
	return cancelled, nil
}

func (s *Sweeper) cancel(ctx context.Context, p *domain.Payment) (bool, error) {
	var done bool
	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		ok, err := s.payments.CancelPayment(ctx, p.PaymentID)
		if err != nil || !ok {
			return err
		}
		done = true
		if p.AccountAddress == nil {
			return nil
		}
		return s.pool.Release(ctx, *p.AccountAddress)
	})
	if err != nil || !done {
		return false, err
	}
	if p.AccountAddress != nil && s.listeners != nil {
		if err := s.listeners.Unlisten(ctx, *p.AccountAddress); err != nil {
			logger.Error(ctx, "unlisten expired address failed", zap.String("address", *p.AccountAddress), zap.Error(err))
		}
	}
	logger.Info(ctx, "payment expired",
		zap.String("payment_id", p.PaymentID),
		zap.Time("expire_at", p.ExpireAt))
	return true, nil
}
