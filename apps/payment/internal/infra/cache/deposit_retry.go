package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/xerr"
)

const (
	DefaultRetryStream     = "payment:deposits:retry"
	DefaultRetryDeadStream = "payment:deposits:retry:dead"
	retryPayloadField      = "data"
	defaultRetryAttempts   = 10
)

// DepositRetryQueue Redis Stream 实现的入账重试队列
// 只有持锁的对账任务消费，不需要消费组
type DepositRetryQueue struct {
	rds         *redis.Client
	stream      string
	dead        string
	maxAttempts int
}

var _ domain.DepositRetryQueue = (*DepositRetryQueue)(nil)

func NewDepositRetryQueue(rds *redis.Client, stream string, maxAttempts int) *DepositRetryQueue {
	if stream == "" {
		stream = DefaultRetryStream
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultRetryAttempts
	}
	return &DepositRetryQueue{rds: rds, stream: stream, dead: stream + ":dead", maxAttempts: maxAttempts}
}

func (q *DepositRetryQueue) Push(ctx context.Context, cand domain.DepositCandidate, reason string) error {
	args, err := q.addArgs(q.stream, domain.FailedDeposit{
		Candidate: cand,
		Attempt:   1,
		Reason:    reason,
		FailedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	if err := q.rds.XAdd(ctx, args).Err(); err != nil {
		return xerr.Newf(xerr.QueueError, "push failed deposit %d: %v", cand.ExternalID, err)
	}
	return nil
}

// Pending 最早的 n 条
func (q *DepositRetryQueue) Pending(ctx context.Context, n int64) ([]domain.FailedDeposit, error) {
	msgs, err := q.rds.XRangeN(ctx, q.stream, "-", "+", n).Result()
	if err != nil {
		return nil, xerr.Newf(xerr.QueueError, "read failed deposits: %v", err)
	}
	out := make([]domain.FailedDeposit, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values[retryPayloadField].(string)
		var f domain.FailedDeposit
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			// 坏消息直接删掉
			_ = q.rds.XDel(ctx, q.stream, m.ID).Err()
			continue
		}
		f.Ref = m.ID
		out = append(out, f)
	}
	return out, nil
}

func (q *DepositRetryQueue) Done(ctx context.Context, f domain.FailedDeposit) error {
	if err := q.rds.XDel(ctx, q.stream, f.Ref).Err(); err != nil {
		return xerr.Newf(xerr.QueueError, "remove failed deposit %d: %v", f.Candidate.ExternalID, err)
	}
	return nil
}

func (q *DepositRetryQueue) Retry(ctx context.Context, f domain.FailedDeposit, reason string) (bool, error) {
	next := f
	next.Attempt++
	next.Reason = reason
	next.FailedAt = time.Now()
	target, dead := q.stream, false
	if next.Attempt > q.maxAttempts {
		target, dead = q.dead, true
	}
	args, err := q.addArgs(target, next)
	if err != nil {
		return false, err
	}
	pipe := q.rds.TxPipeline()
	pipe.XAdd(ctx, args)
	pipe.XDel(ctx, q.stream, f.Ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, xerr.Newf(xerr.QueueError, "requeue failed deposit %d: %v", f.Candidate.ExternalID, err)
	}
	return dead, nil
}

// DeadLetters 最近 n 条放弃重试的转账，新的在前
func (q *DepositRetryQueue) DeadLetters(ctx context.Context, n int64) ([]domain.FailedDeposit, error) {
	msgs, err := q.rds.XRevRangeN(ctx, q.dead, "+", "-", n).Result()
	if err != nil {
		return nil, xerr.Newf(xerr.QueueError, "read dead deposits: %v", err)
	}
	out := make([]domain.FailedDeposit, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values[retryPayloadField].(string)
		var f domain.FailedDeposit
		if err := json.Unmarshal([]byte(raw), &f); err == nil {
			f.Ref = m.ID
			out = append(out, f)
		}
	}
	return out, nil
}

func (q *DepositRetryQueue) addArgs(stream string, f domain.FailedDeposit) (*redis.XAddArgs, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, xerr.Newf(xerr.QueueError, "marshal failed deposit: %v", err)
	}
	return &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{retryPayloadField: string(raw)},
	}, nil
}
