package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
	"planpay.com/pkg/retry"
)

const (
	defaultReservationWindow = time.Hour
	listenAttempts           = 3
)

// PaymentService 下单：报价 -> 同一事务内分配地址并创建 Pending 订单 -> 开始监听
type PaymentService struct {
	tx          domain.TxManager
	pool        *AccountPool
	payments    domain.PaymentRepo
	users       domain.UserRepo
	quotes      *QuoteTable
	listeners   AddressListener
	window      time.Duration
	listenDelay time.Duration
	now         func() time.Time
}

func NewPaymentService(tx domain.TxManager, pool *AccountPool, payments domain.PaymentRepo, users domain.UserRepo,
	quotes *QuoteTable, listeners AddressListener, window time.Duration) *PaymentService {
	if window <= 0 {
		window = defaultReservationWindow
	}
	return &PaymentService{
		tx:          tx,
		pool:        pool,
		payments:    payments,
		users:       users,
		quotes:      quotes,
		listeners:   listeners,
		window:      window,
		listenDelay: 200 * time.Millisecond,
		now:         time.Now,
	}
}

func (s *PaymentService) Place(ctx context.Context, userID, planID int64, chain domain.Chain) (*domain.Payment, error) {
	if !chain.Valid() {
		return nil, domain.ErrInvalidChain
	}
	if _, err := s.users.UserByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	plan, err := s.users.PlanByID(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan %d: %w", planID, err)
	}
	amount, version, err := s.quotes.Convert(chain, plan.PriceFiat)
	if err != nil {
		return nil, err
	}

	// 占用地址和订单一起提交，订单建不成地址也不会被占
	var p *domain.Payment
	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		acc, err := s.pool.Allocate(ctx, chain)
		if err != nil {
			return err
		}
		now := s.now()
		addr := acc.Address
		p = &domain.Payment{
			PaymentID:      uuid.NewString(),
			AmountFiat:     plan.PriceFiat,
			AmountChain:    amount,
			Chain:          chain,
			Status:         domain.PaymentPending,
			QuoteVersion:   version,
			CreatedAt:      now,
			ExpireAt:       now.Add(s.window),
			AccountAddress: &addr,
			PlanID:         plan.ID,
			UserID:         userID,
		}
		return s.payments.CreatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	addr := *p.AccountAddress

	err = retry.Do(ctx, listenAttempts, s.listenDelay, func(ctx context.Context) error {
		return s.listeners.Listen(ctx, addr)
	})
	if err != nil {
		// 不在监听集合里的地址收不到实时入账，撤单并归还地址
		logger.Error(ctx, "listen on new payment address failed, cancelling",
			zap.String("payment_id", p.PaymentID), zap.String("address", addr), zap.Error(err))
		s.abandon(ctx, p)
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	logger.Info(ctx, "payment placed",
		zap.String("payment_id", p.PaymentID),
		zap.Int64("user_id", userID),
		zap.String("address", addr),
		zap.String("amount", amount.String()),
		zap.Int64("quote_version", version),
		zap.Time("expire_at", p.ExpireAt))
	return p, nil
}

// abandon 撤销刚创建的订单；失败时留给过期任务处理
func (s *PaymentService) abandon(ctx context.Context, p *domain.Payment) {
	ctx = context.WithoutCancel(ctx)
	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		ok, err := s.payments.CancelPayment(ctx, p.PaymentID)
		if err != nil || !ok {
			return err
		}
		return s.pool.Release(ctx, *p.AccountAddress)
	})
	if err != nil {
		logger.Error(ctx, "cancel unlistened payment failed, expiry will retry",
			zap.String("payment_id", p.PaymentID), zap.Error(err))
	}
}

func (s *PaymentService) Get(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.payments.GetPayment(ctx, paymentID)
}
