package domain

import "context"

const WatermarkHeight = "HEIGHT"

// Watermark 最后一个处理完成的区块高度，只增不减
type Watermark struct {
	Key   string `gorm:"primaryKey;size:32"`
	Value int64
}

type WatermarkRepo interface {
	GetWatermark(ctx context.Context) (int64, error)
	// AdvanceWatermark 仅当 height 大于当前值时写入
	AdvanceWatermark(ctx context.Context, height int64) error
}
