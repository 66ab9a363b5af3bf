package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/xerr"
)

type txKey struct{}

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

var (
	_ domain.AccountRepo   = (*Repo)(nil)
	_ domain.PaymentRepo   = (*Repo)(nil)
	_ domain.DepositRepo   = (*Repo)(nil)
	_ domain.WatermarkRepo = (*Repo)(nil)
	_ domain.UserRepo      = (*Repo)(nil)
	_ domain.TxManager     = (*Repo)(nil)
)

// Migrate 建表
func (r *Repo) Migrate() error {
	return r.db.AutoMigrate(
		&domain.Account{},
		&domain.Payment{},
		&domain.Deposit{},
		&domain.Watermark{},
		&domain.Plan{},
		&domain.User{},
	)
}

// Transaction 开启事务并把 tx 注入 ctx，已在事务中时直接复用
func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// getDb 优先使用 ctx 中的事务
func (r *Repo) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func dbErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return xerr.Newf(xerr.DbError, "%s: %v", op, err)
}
