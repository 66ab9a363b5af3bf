// Package retry 区分可重试 / 不可重试错误，并提供固定间隔的有界重试
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"planpay.com/pkg/xerr"
)

type Class string

const (
	ClassPermanent Class = "permanent"
	ClassTransient Class = "transient"
)

type classifiedError struct {
	err   error
	class Class
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

// Transient 标记为可重试 (节点超时、限流、连接断开)
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient}
}

// Permanent 标记为不可重试 (参数错误、数据不存在)
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassPermanent}
}

// Classify 判断错误类型，未标记的错误按 Permanent 处理
// 数据库 / 队列的 CodeError 视为基础设施抖动，可重试
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var marked *classifiedError
	if errors.As(err, &marked) {
		return marked.class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	switch xerr.CodeOf(err) {
	case xerr.DbError, xerr.QueueError:
		return ClassTransient
	}
	return ClassPermanent
}

func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// Do 最多执行 attempts 次，只有 Transient 错误才会等待 delay 后重试
func Do(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// DoValue 是 Do 的带返回值版本
func DoValue[T any](ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, attempts, delay, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
