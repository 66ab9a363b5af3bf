package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentDeficit   PaymentStatus = "DEFICIT" // 到账金额不足
)

func (s PaymentStatus) Terminal() bool {
	return s != PaymentPending
}

type Payment struct {
	PaymentID      string          `gorm:"primaryKey;size:36"`
	AmountFiat     decimal.Decimal `gorm:"type:decimal(36,18)"`
	AmountChain    decimal.Decimal `gorm:"type:decimal(36,18)"`
	Chain          Chain           `gorm:"size:16"`
	Status         PaymentStatus   `gorm:"size:16;index:idx_status_expire"`
	QuoteVersion   int64
	CreatedAt      time.Time
	ExpireAt       time.Time `gorm:"index:idx_status_expire"`
	PaidAt         *time.Time
	AccountAddress *string `gorm:"size:64;index"` // 仅 Pending 时非空
	PlanID         int64
	UserID         int64 `gorm:"index"`
}

// PaymentBundle 订单及其关联的 Plan / User / Account
type PaymentBundle struct {
	Payment *Payment
	Plan    *Plan
	User    *User
	Account *Account
}

type PaymentRepo interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	// LockPendingByAccount 锁定绑定在该地址上的 Pending 订单，没有时返回 nil, nil
	LockPendingByAccount(ctx context.Context, address string) (*Payment, error)
	// FinishPayment Pending -> Completed/Deficit，同时解绑地址
	FinishPayment(ctx context.Context, paymentID string, status PaymentStatus, paidAt time.Time) error
	// CancelPayment Pending -> Cancelled，返回是否由本次调用完成迁移
	CancelPayment(ctx context.Context, paymentID string) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Payment, error)
}
