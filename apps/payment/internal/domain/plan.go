package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Plan struct {
	ID           int64           `gorm:"primaryKey"`
	Name         string          `gorm:"size:64"`
	PriceFiat    decimal.Decimal `gorm:"type:decimal(36,18)"`
	DurationDays int
}

type User struct {
	ID           int64 `gorm:"primaryKey"`
	Email        string `gorm:"size:128"`
	PlanID       *int64
	PlanExpireAt *time.Time
	UpdatedAt    time.Time
}

// BonusKind 套餐开通 / 续费
type BonusKind string

const (
	BonusActivation BonusKind = "activation"
	BonusRenewal    BonusKind = "renewal"
)

// Advance 按套餐推进用户的有效期
// 未开通或已过期从 now 起算，否则在原有效期上顺延
func (u *User) Advance(plan *Plan, now time.Time) BonusKind {
	d := time.Duration(plan.DurationDays) * 24 * time.Hour
	kind := BonusRenewal
	start := now
	if u.PlanExpireAt == nil || !u.PlanExpireAt.After(now) {
		kind = BonusActivation
	} else {
		start = *u.PlanExpireAt
	}
	exp := start.Add(d)
	pid := plan.ID
	u.PlanID = &pid
	u.PlanExpireAt = &exp
	return kind
}

type UserRepo interface {
	PlanByID(ctx context.Context, id int64) (*Plan, error)
	UserByID(ctx context.Context, id int64) (*User, error)
	SaveEntitlement(ctx context.Context, u *User) error
}
