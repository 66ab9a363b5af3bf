package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
	"planpay.com/pkg/metrics"
	"planpay.com/pkg/safe"
)

const (
	sweepName      = "reconcile"
	retrySweepName = "deposit_retry"
	retryBatch     = 100
)

// Locker 保证同一时刻只有一个实例在对账 (xredis.DistLock)
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) (bool, error)
}

type DepositApplier interface {
	Apply(ctx context.Context, cand domain.DepositCandidate) (*domain.User, error)
}

// Job 先重放实时流入账失败的转账，再对比本地入账数和托管方入账数，每个地址每轮最多补一笔
type Job struct {
	accounts  domain.AccountRepo
	deposits  domain.DepositRepo
	providers map[domain.Chain]domain.DepositProvider
	retries   domain.DepositRetryQueue
	saga      DepositApplier
	lock      Locker
	interval  time.Duration
}

func New(accounts domain.AccountRepo, deposits domain.DepositRepo, providers map[domain.Chain]domain.DepositProvider,
	retries domain.DepositRetryQueue, saga DepositApplier, lock Locker, interval time.Duration) *Job {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Job{
		accounts:  accounts,
		deposits:  deposits,
		providers: providers,
		retries:   retries,
		saga:      saga,
		lock:      lock,
		interval:  interval,
	}
}

// Start 定时执行，直到 ctx 结束
func (j *Job) Start(ctx context.Context) error {
	safe.Every(ctx, sweepName, j.interval, func(ctx context.Context) {
		if _, err := j.RunOnce(ctx); err != nil {
			logger.Error(ctx, "reconciliation sweep failed", zap.Error(err))
		}
	})
	return nil
}

// RunOnce 单轮对账，返回本轮补入的笔数
// 单个地址失败只记日志，不影响其他地址
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	ctx = logger.WithTraceID(ctx, "reconcile-"+uuid.NewString())
	if j.lock != nil {
		ok, err := j.lock.TryLock(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			logger.Debug(ctx, "reconciliation running elsewhere, skip")
			return 0, nil
		}
		defer func() { _, _ = j.lock.Unlock(context.WithoutCancel(ctx)) }()
	}

	applied, err := j.drainRetries(ctx)
	if err != nil {
		logger.Error(ctx, "read deposit retry queue failed", zap.Error(err))
	}

	accounts, err := j.accounts.ListHalted(ctx)
	if err != nil {
		return applied, err
	}
	for _, acc := range accounts {
		var did bool
		err := safe.Call(ctx, func(ctx context.Context) error {
			var err error
			did, err = j.reconcileAccount(ctx, acc)
			return err
		})
		switch {
		case err != nil:
			metrics.SweepItems.WithLabelValues(sweepName, "failed").Inc()
			logger.Error(ctx, "reconcile address failed", zap.String("address", acc.Address), zap.Error(err))
		case did:
			applied++
			metrics.SweepItems.WithLabelValues(sweepName, "applied").Inc()
		default:
			metrics.SweepItems.WithLabelValues(sweepName, "in_sync").Inc()
		}
	}
	if applied > 0 {
		logger.Info(ctx, "reconciliation applied missing deposits", zap.Int("applied", applied), zap.Int("addresses", len(accounts)))
	}
	return applied, nil
}

// drainRetries 重放一批实时流入账失败的转账，成功或确认无主后出队
func (j *Job) drainRetries(ctx context.Context) (int, error) {
	if j.retries == nil {
		return 0, nil
	}
	items, err := j.retries.Pending(ctx, retryBatch)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, f := range items {
		err := safe.Call(ctx, func(ctx context.Context) error {
			_, err := j.saga.Apply(ctx, f.Candidate)
			return err
		})
		if err == nil || errors.Is(err, domain.ErrNoBinding) {
			if derr := j.retries.Done(ctx, f); derr != nil {
				logger.Error(ctx, "remove retried deposit failed", zap.Int64("external_id", f.Candidate.ExternalID), zap.Error(derr))
			}
			if err == nil {
				applied++
				metrics.SweepItems.WithLabelValues(retrySweepName, "applied").Inc()
			} else {
				metrics.SweepItems.WithLabelValues(retrySweepName, "unbound").Inc()
			}
			continue
		}

		metrics.SweepItems.WithLabelValues(retrySweepName, "failed").Inc()
		dead, rerr := j.retries.Retry(ctx, f, err.Error())
		if rerr != nil {
			logger.Error(ctx, "requeue failed deposit failed", zap.Int64("external_id", f.Candidate.ExternalID), zap.Error(rerr))
			continue
		}
		if dead {
			logger.Error(ctx, "deposit retry exhausted, moved to dead letters",
				zap.Int64("external_id", f.Candidate.ExternalID),
				zap.String("to", f.Candidate.ToAddress),
				zap.Int("attempt", f.Attempt),
				zap.Error(err))
			continue
		}
		logger.Warn(ctx, "deposit retry failed", zap.Int64("external_id", f.Candidate.ExternalID), zap.Int("attempt", f.Attempt), zap.Error(err))
	}
	if applied > 0 {
		logger.Info(ctx, "replayed failed live deposits", zap.Int("applied", applied), zap.Int("queued", len(items)))
	}
	return applied, nil
}

func (j *Job) reconcileAccount(ctx context.Context, acc *domain.Account) (bool, error) {
	provider, ok := j.providers[acc.Chain]
	if !ok {
		return false, nil
	}
	local, err := j.deposits.CountDeposits(ctx, acc.Address)
	if err != nil {
		return false, err
	}
	remote, err := provider.DepositCount(ctx, acc.Address)
	if err != nil {
		return false, fmt.Errorf("provider count: %w", err)
	}
	if remote <= local {
		return false, nil
	}

	since, err := j.deposits.LastObservedAt(ctx, acc.Address)
	if err != nil {
		return false, err
	}
	missing, ok, err := j.findMissing(ctx, provider, acc.Address, since)
	if err != nil {
		return false, err
	}
	if !ok && since != nil {
		// 缺的是比本地最新一笔更早的记录，去掉下界再查一次
		missing, ok, err = j.findMissing(ctx, provider, acc.Address, nil)
		if err != nil {
			return false, err
		}
	}
	if !ok {
		logger.Warn(ctx, "provider count ahead but no missing record found",
			zap.String("address", acc.Address), zap.Int64("local", local), zap.Int64("remote", remote))
		return false, nil
	}

	logger.Info(ctx, "replaying missing deposit",
		zap.String("address", acc.Address),
		zap.Int64("external_id", missing.ExternalID),
		zap.Int64("local", local),
		zap.Int64("remote", remote))
	missing.ToAddress = acc.Address
	if _, err := j.saga.Apply(ctx, missing); err != nil && !errors.Is(err, domain.ErrNoBinding) {
		return false, err
	}
	return true, nil
}

func (j *Job) findMissing(ctx context.Context, provider domain.DepositProvider, address string, since *time.Time) (domain.DepositCandidate, bool, error) {
	records, err := provider.ListDeposits(ctx, address, since)
	if err != nil {
		return domain.DepositCandidate{}, false, fmt.Errorf("provider list: %w", err)
	}
	known, err := j.deposits.KnownDeposits(ctx, records)
	if err != nil {
		return domain.DepositCandidate{}, false, err
	}
	missing, ok := newestMissing(records, known)
	return missing, ok, nil
}

// newestMissing 本地没有的记录里最新的一笔
func newestMissing(records []domain.DepositCandidate, known map[int64]bool) (domain.DepositCandidate, bool) {
	var (
		best  domain.DepositCandidate
		found bool
	)
	for _, r := range records {
		if known[r.ExternalID] {
			continue
		}
		if !found || r.ObservedAt.After(best.ObservedAt) ||
			(r.ObservedAt.Equal(best.ObservedAt) && r.ExternalID > best.ExternalID) {
			best, found = r, true
		}
	}
	return best, found
}
