package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"planpay.com/pkg/logger"
)

func recoverPanic(ctx context.Context) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		if logger.Log != nil {
			logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
				zap.Any("panic", r),
				zap.String("stack", stack),
			)
		} else {
			fmt.Printf("🚨 GOROUTINE PANIC: %v\nStack: %s\n", r, stack)
		}
	}
}

// GoCtx 安全启动携带 context 的协程，便于在日志中保留链路信息
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverPanic(ctx)
		fn(ctx)
	}()
}

// Call 同步执行 fn，panic 转成 error 返回
func Call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "🚨 PANIC RECOVERED", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Every 按固定间隔执行 fn，直到 ctx 取消；单次 panic 不会终止循环
func Every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info(ctx, "periodic task started", zap.String("task", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "periodic task stopped", zap.String("task", name))
			return
		case <-ticker.C:
			_ = Call(ctx, func(ctx context.Context) error {
				fn(ctx)
				return nil
			})
		}
	}
}
