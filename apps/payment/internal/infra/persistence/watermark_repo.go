package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"planpay.com/apps/payment/internal/domain"
)

// GetWatermark 第一次运行时返回 0
func (r *Repo) GetWatermark(ctx context.Context) (int64, error) {
	var w domain.Watermark
	err := r.getDb(ctx).Where("`key` = ?", domain.WatermarkHeight).Take(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, dbErr("get watermark", err)
	}
	return w.Value, nil
}

// AdvanceWatermark 先保证行存在，再做 value < height 的条件更新，避免并发 worker 把高度写小
func (r *Repo) AdvanceWatermark(ctx context.Context, height int64) error {
	db := r.getDb(ctx)
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.Watermark{Key: domain.WatermarkHeight, Value: height}).Error
	if err != nil {
		return dbErr("init watermark", err)
	}
	err = db.Model(&domain.Watermark{}).
		Where("`key` = ? AND value < ?", domain.WatermarkHeight, height).
		Update("value", height).Error
	if err != nil {
		return dbErr("advance watermark", err)
	}
	return nil
}
