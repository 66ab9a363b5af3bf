package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
)

const defaultAllocAttempts = 5

// AccountPool 收款地址池
// 分配在单个事务内完成：锁空闲行 -> 没有就生成新地址入池 -> CAS 置为占用
type AccountPool struct {
	tx       domain.TxManager
	accounts domain.AccountRepo
	keys     map[domain.Chain]domain.KeySource
	attempts int
}

func NewAccountPool(tx domain.TxManager, accounts domain.AccountRepo, keys map[domain.Chain]domain.KeySource) *AccountPool {
	return &AccountPool{
		tx:       tx,
		accounts: accounts,
		keys:     keys,
		attempts: defaultAllocAttempts,
	}
}

// Allocate 返回一个已置为占用的地址，并发调用者不会拿到同一个地址
func (p *AccountPool) Allocate(ctx context.Context, chain domain.Chain) (*domain.Account, error) {
	if !chain.Valid() {
		return nil, domain.ErrInvalidChain
	}
	var allocated *domain.Account
	err := p.tx.Transaction(ctx, func(ctx context.Context) error {
		next := int64(-1)
		for i := 0; i < p.attempts; i++ {
			acc, err := p.accounts.LockFree(ctx, chain)
			if err != nil {
				return err
			}
			if acc == nil {
				if next, err = p.grow(ctx, chain, next); err != nil {
					return err
				}
				continue
			}
			ok, err := p.accounts.Halt(ctx, acc.Address)
			if err != nil {
				return err
			}
			if !ok {
				// 被其他分配者抢先
				continue
			}
			acc.IsHalted = true
			allocated = acc
			return nil
		}
		return fmt.Errorf("%w: no free %s account after %d attempts", domain.ErrPoolExhausted, chain, p.attempts)
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "account allocated",
		zap.String("chain", string(chain)),
		zap.String("address", allocated.Address),
		zap.Int64("position", allocated.Position))
	return allocated, nil
}

// grow 生成一个新地址入池，返回本次使用的 position
func (p *AccountPool) grow(ctx context.Context, chain domain.Chain, last int64) (int64, error) {
	ks, ok := p.keys[chain]
	if !ok {
		return last, fmt.Errorf("%w: no key source for %s", domain.ErrPoolExhausted, chain)
	}
	n, err := p.accounts.CountAccounts(ctx, chain)
	if err != nil {
		return last, err
	}
	if n <= last {
		n = last + 1
	}
	kp, err := ks.NewKeypair(ctx, n)
	if err != nil {
		logger.Error(ctx, "generate account failed", zap.String("chain", string(chain)), zap.Int64("position", n), zap.Error(err))
		return last, fmt.Errorf("%w: %v", domain.ErrPoolExhausted, err)
	}
	if err := p.accounts.CreateAccount(ctx, &domain.Account{
		Address:  kp.Address,
		Chain:    chain,
		Position: kp.Position,
	}); err != nil {
		return last, err
	}
	logger.Info(ctx, "account pool grown", zap.String("chain", string(chain)), zap.String("address", kp.Address), zap.Int64("position", kp.Position))
	return n, nil
}

// Release 地址回到空闲状态
func (p *AccountPool) Release(ctx context.Context, address string) error {
	if err := p.accounts.Release(ctx, address); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}
