package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
	"planpay.com/pkg/metrics"
	"planpay.com/pkg/trace"
)

// SagaDeps DepositSaga 的依赖
type SagaDeps struct {
	Tx         domain.TxManager
	Accounts   domain.AccountRepo
	Payments   domain.PaymentRepo
	Deposits   domain.DepositRepo
	Users      domain.UserRepo
	Sweepers   map[domain.Chain]domain.Sweeper
	Listeners  AddressListener
	Completion domain.CompletionListener
	Now        func() time.Time
}

// DepositSaga 把一笔转账绑定到待支付订单，所有数据库变更在同一个事务内
type DepositSaga struct {
	d     SagaDeps
	steps []sagaStep
}

type sagaState struct {
	cand    domain.DepositCandidate
	now     time.Time
	bundle  domain.PaymentBundle
	deposit *domain.Deposit
	status  domain.PaymentStatus
	bonus   domain.BonusKind
	unbound bool // 无主转账，只留档
}

type sagaStep struct {
	name string
	run  func(ctx context.Context, st *sagaState) error
}

func NewDepositSaga(d SagaDeps) *DepositSaga {
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &DepositSaga{d: d}
	s.steps = []sagaStep{
		{"resolve binding", s.resolveBinding},
		{"load relations", s.loadRelations},
		{"persist deposit", s.persistDeposit},
		{"release account", s.releaseAccount},
		{"settle payment", s.settlePayment},
		{"advance entitlement", s.advanceEntitlement},
	}
	return s
}

// Apply 幂等：同一个 ExternalID (或同一笔交易) 重复投递直接返回原来的用户
func (s *DepositSaga) Apply(ctx context.Context, cand domain.DepositCandidate) (user *domain.User, err error) {
	ctx, span := trace.Start(ctx, "DepositSaga.Apply", oteltrace.WithAttributes(
		attribute.Int64("external_id", cand.ExternalID),
		attribute.String("to", cand.ToAddress),
	))
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.SagaDuration.Observe(time.Since(start).Seconds())
		metrics.DepositsApplied.WithLabelValues(string(cand.Source), outcome).Inc()
		if err != nil && !errors.Is(err, domain.ErrNoBinding) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	cand.ToAddress = domain.NormalizeAddress(cand.ToAddress)
	cand.FromAddress = domain.NormalizeAddress(cand.FromAddress)

	if dup, err := s.d.Deposits.FindDuplicate(ctx, cand.ExternalID, cand.TxHash); err != nil {
		return nil, err
	} else if dup != nil {
		outcome = "duplicate"
		return s.duplicateResult(ctx, cand, dup)
	}

	st := &sagaState{cand: cand, now: s.d.Now()}
	err = s.d.Tx.Transaction(ctx, func(ctx context.Context) error {
		for _, step := range s.steps {
			if err := step.run(ctx, st); err != nil {
				return fmt.Errorf("%s: %w", step.name, err)
			}
			if st.unbound {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateDeposit) {
			// 并发投递，另一方已经提交
			outcome = "duplicate"
			dup, ferr := s.d.Deposits.FindDuplicate(ctx, cand.ExternalID, cand.TxHash)
			if ferr != nil || dup == nil {
				return nil, err
			}
			return s.duplicateResult(ctx, cand, dup)
		}
		logger.Error(ctx, "deposit saga rolled back",
			zap.Int64("external_id", cand.ExternalID),
			zap.String("to", cand.ToAddress),
			zap.Error(err))
		return nil, err
	}

	if st.unbound {
		outcome = "no_binding"
		logger.Warn(ctx, "deposit without pending payment recorded",
			zap.Int64("external_id", cand.ExternalID),
			zap.String("to", cand.ToAddress),
			zap.String("amount", cand.Amount.String()))
		return nil, domain.ErrNoBinding
	}

	outcome = "completed"
	if st.status == domain.PaymentDeficit {
		outcome = "deficit"
	}
	s.afterCommit(ctx, st)
	return st.bundle.User, nil
}

func (s *DepositSaga) duplicateResult(ctx context.Context, cand domain.DepositCandidate, dup *domain.Deposit) (*domain.User, error) {
	logger.Info(ctx, "duplicate deposit ignored",
		zap.Int64("external_id", cand.ExternalID),
		zap.Int64("existing_external_id", dup.ExternalID),
		zap.String("tx_hash", cand.TxHash))
	if dup.PaymentID == nil {
		return nil, nil
	}
	p, err := s.d.Payments.GetPayment(ctx, *dup.PaymentID)
	if err != nil {
		return nil, err
	}
	return s.d.Users.UserByID(ctx, p.UserID)
}

func (s *DepositSaga) resolveBinding(ctx context.Context, st *sagaState) error {
	p, err := s.d.Payments.LockPendingByAccount(ctx, st.cand.ToAddress)
	if err != nil {
		return err
	}
	if p == nil {
		st.unbound = true
		st.deposit = s.newDeposit(st, nil)
		return s.d.Deposits.CreateDeposit(ctx, st.deposit)
	}
	st.bundle.Payment = p
	return nil
}

func (s *DepositSaga) loadRelations(ctx context.Context, st *sagaState) error {
	p := st.bundle.Payment
	plan, err := s.d.Users.PlanByID(ctx, p.PlanID)
	if err != nil {
		return err
	}
	user, err := s.d.Users.UserByID(ctx, p.UserID)
	if err != nil {
		return err
	}
	acc, err := s.d.Accounts.GetAccount(ctx, st.cand.ToAddress)
	if err != nil {
		return err
	}
	st.bundle.Plan, st.bundle.User, st.bundle.Account = plan, user, acc
	return nil
}

func (s *DepositSaga) persistDeposit(ctx context.Context, st *sagaState) error {
	pid := st.bundle.Payment.PaymentID
	st.deposit = s.newDeposit(st, &pid)
	return s.d.Deposits.CreateDeposit(ctx, st.deposit)
}

func (s *DepositSaga) releaseAccount(ctx context.Context, st *sagaState) error {
	return s.d.Accounts.Release(ctx, st.bundle.Account.Address)
}

// settlePayment 金额不足时标记为 Deficit，仍然解绑地址
func (s *DepositSaga) settlePayment(ctx context.Context, st *sagaState) error {
	st.status = domain.PaymentCompleted
	if st.cand.Amount.LessThan(st.bundle.Payment.AmountChain) {
		st.status = domain.PaymentDeficit
	}
	if err := s.d.Payments.FinishPayment(ctx, st.bundle.Payment.PaymentID, st.status, st.now); err != nil {
		return err
	}
	p := st.bundle.Payment
	p.Status, p.AccountAddress = st.status, nil
	paidAt := st.now
	p.PaidAt = &paidAt
	return nil
}

func (s *DepositSaga) advanceEntitlement(ctx context.Context, st *sagaState) error {
	if st.status != domain.PaymentCompleted {
		return nil
	}
	st.bonus = st.bundle.User.Advance(st.bundle.Plan, st.now)
	return s.d.Users.SaveEntitlement(ctx, st.bundle.User)
}

// afterCommit 归集、停止监听、通知下游，失败只记日志
func (s *DepositSaga) afterCommit(ctx context.Context, st *sagaState) {
	addr := st.bundle.Account.Address
	if sw, ok := s.d.Sweepers[st.bundle.Account.Chain]; ok {
		if hash, err := sw.SweepToMaster(ctx, addr); err != nil {
			logger.Error(ctx, "sweep to master failed", zap.String("address", addr), zap.Error(err))
		} else if hash != "" {
			logger.Info(ctx, "sweep submitted", zap.String("address", addr), zap.String("tx_hash", hash))
		}
	}
	if s.d.Listeners != nil {
		if err := s.d.Listeners.Unlisten(ctx, addr); err != nil {
			logger.Error(ctx, "unlisten failed", zap.String("address", addr), zap.Error(err))
		}
	}
	logger.Info(ctx, "✅ payment settled",
		zap.String("payment_id", st.bundle.Payment.PaymentID),
		zap.String("status", string(st.status)),
		zap.Int64("external_id", st.deposit.ExternalID),
		zap.Int64("user_id", st.bundle.User.ID))
	if s.d.Completion != nil {
		s.d.Completion.OnDepositCompleted(ctx, domain.DepositCompleted{
			UserID:    st.bundle.User.ID,
			PaymentID: st.bundle.Payment.PaymentID,
			Status:    st.status,
			BonusKind: st.bonus,
			Deposit:   *st.deposit,
		})
	}
}

func (s *DepositSaga) newDeposit(st *sagaState, paymentID *string) *domain.Deposit {
	observed := st.cand.ObservedAt
	if observed.IsZero() {
		observed = st.now
	}
	return &domain.Deposit{
		ExternalID:     st.cand.ExternalID,
		Source:         st.cand.Source,
		CoinSymbol:     st.cand.CoinSymbol,
		FromAddress:    st.cand.FromAddress,
		ToAddress:      st.cand.ToAddress,
		Amount:         st.cand.Amount,
		TxHash:         st.cand.TxHash,
		BlockHeight:    st.cand.BlockHeight,
		ObservedAt:     observed,
		AccountAddress: st.cand.ToAddress,
		PaymentID:      paymentID,
	}
}
