package persistence

import (
	"context"

	"planpay.com/apps/payment/internal/domain"
)

func (r *Repo) PlanByID(ctx context.Context, id int64) (*domain.Plan, error) {
	var p domain.Plan
	if err := r.getDb(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		return nil, dbErr("get plan", err)
	}
	return &p, nil
}

func (r *Repo) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	if err := r.getDb(ctx).Where("id = ?", id).Take(&u).Error; err != nil {
		return nil, dbErr("get user", err)
	}
	return &u, nil
}

func (r *Repo) SaveEntitlement(ctx context.Context, u *domain.User) error {
	err := r.getDb(ctx).Model(&domain.User{}).
		Where("id = ?", u.ID).
		Updates(map[string]interface{}{
			"plan_id":        u.PlanID,
			"plan_expire_at": u.PlanExpireAt,
		}).Error
	if err != nil {
		return dbErr("save entitlement", err)
	}
	return nil
}
