package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"planpay.com/apps/payment/internal/domain"
)

// LockFree 必须在事务内调用
// SKIP LOCKED 让并发的分配者各自拿到不同的行
func (r *Repo) LockFree(ctx context.Context, chain domain.Chain) (*domain.Account, error) {
	var acc domain.Account
	err := r.getDb(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("chain = ? AND is_halted = ?", chain, false).
		Order("position ASC").
		Limit(1).
		Take(&acc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbErr("lock free account", err)
	}
	return &acc, nil
}

func (r *Repo) CreateAccount(ctx context.Context, acc *domain.Account) error {
	acc.Address = domain.NormalizeAddress(acc.Address)
	err := r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(acc).Error
	if err != nil {
		return dbErr("create account", err)
	}
	return nil
}

// Halt CAS: 只有 is_halted = false 的行会被更新
func (r *Repo) Halt(ctx context.Context, address string) (bool, error) {
	res := r.getDb(ctx).Model(&domain.Account{}).
		Where("address = ? AND is_halted = ?", address, false).
		Update("is_halted", true)
	if res.Error != nil {
		return false, dbErr("halt account", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) Release(ctx context.Context, address string) error {
	err := r.getDb(ctx).Model(&domain.Account{}).
		Where("address = ?", address).
		Update("is_halted", false).Error
	if err != nil {
		return dbErr("release account", err)
	}
	return nil
}

func (r *Repo) CountAccounts(ctx context.Context, chain domain.Chain) (int64, error) {
	var n int64
	if err := r.getDb(ctx).Model(&domain.Account{}).Where("chain = ?", chain).Count(&n).Error; err != nil {
		return 0, dbErr("count accounts", err)
	}
	return n, nil
}

func (r *Repo) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	var acc domain.Account
	if err := r.getDb(ctx).Where("address = ?", address).Take(&acc).Error; err != nil {
		return nil, dbErr("get account", err)
	}
	return &acc, nil
}

func (r *Repo) ListHalted(ctx context.Context) ([]*domain.Account, error) {
	out := make([]*domain.Account, 0)
	if err := r.getDb(ctx).Where("is_halted = ?", true).Order("address").Find(&out).Error; err != nil {
		return nil, dbErr("list halted accounts", err)
	}
	return out, nil
}
