package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"planpay.com/apps/payment/internal/domain"
)

func (r *Repo) CreatePayment(ctx context.Context, p *domain.Payment) error {
	if err := r.getDb(ctx).Create(p).Error; err != nil {
		return dbErr("create payment", err)
	}
	return nil
}

func (r *Repo) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	var p domain.Payment
	if err := r.getDb(ctx).Where("payment_id = ?", paymentID).Take(&p).Error; err != nil {
		return nil, dbErr("get payment", err)
	}
	return &p, nil
}

func (r *Repo) LockPendingByAccount(ctx context.Context, address string) (*domain.Payment, error) {
	var p domain.Payment
	err := r.getDb(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_address = ? AND status = ?", address, domain.PaymentPending).
		Take(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbErr("lock pending payment", err)
	}
	return &p, nil
}

// FinishPayment 🔒 乐观锁：只有 Pending 的订单能完成
func (r *Repo) FinishPayment(ctx context.Context, paymentID string, status domain.PaymentStatus, paidAt time.Time) error {
	res := r.getDb(ctx).Model(&domain.Payment{}).
		Where("payment_id = ? AND status = ?", paymentID, domain.PaymentPending).
		Updates(map[string]interface{}{
			"status":          status,
			"paid_at":         paidAt,
			"account_address": nil,
		})
	if res.Error != nil {
		return dbErr("finish payment", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrPaymentNotPending
	}
	return nil
}

func (r *Repo) CancelPayment(ctx context.Context, paymentID string) (bool, error) {
	res := r.getDb(ctx).Model(&domain.Payment{}).
		Where("payment_id = ? AND status = ?", paymentID, domain.PaymentPending).
		Updates(map[string]interface{}{
			"status":          domain.PaymentCancelled,
			"account_address": nil,
		})
	if res.Error != nil {
		return false, dbErr("cancel payment", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Payment, error) {
	out := make([]*domain.Payment, 0)
	err := r.getDb(ctx).
		Where("status = ? AND expire_at <= ?", domain.PaymentPending, now).
		Order("expire_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, dbErr("list expired payments", err)
	}
	return out, nil
}
