package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"planpay.com/pkg/xerr"
)

const (
	defaultStream     = "payment:blocks"
	defaultGroup      = "payment-block-workers"
	defaultDeadStream = "payment:blocks:dead"
	payloadField      = "data"
)

// Job 一个区块任务，Attempt 从 1 开始
type Job struct {
	Height     int64     `json:"height"`
	Hash       string    `json:"hash"`
	TxCount    int       `json:"txCount"`
	Attempt    int       `json:"attempt"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`

	msgID string
}

type QueueConfig struct {
	Stream     string
	Group      string
	DeadStream string
	Batch      int64
	// Block XREADGROUP 阻塞时长，< 0 表示不阻塞
	Block time.Duration
}

// Queue 基于 Redis Stream + Consumer Group 的持久化区块队列
type Queue struct {
	rds *redis.Client
	cfg QueueConfig
}

func NewQueue(rds *redis.Client, cfg QueueConfig) *Queue {
	if cfg.Stream == "" {
		cfg.Stream = defaultStream
	}
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	if cfg.DeadStream == "" {
		cfg.DeadStream = defaultDeadStream
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.Block == 0 {
		cfg.Block = 2 * time.Second
	}
	return &Queue{rds: rds, cfg: cfg}
}

// Ensure 创建消费组，已存在时忽略
func (q *Queue) Ensure(ctx context.Context) error {
	err := q.rds.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return xerr.Newf(xerr.QueueError, "create group: %v", err)
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	args, err := q.addArgs(q.cfg.Stream, job)
	if err != nil {
		return err
	}
	if err := q.rds.XAdd(ctx, args).Err(); err != nil {
		return xerr.Newf(xerr.QueueError, "enqueue block %d: %v", job.Height, err)
	}
	return nil
}

// Read 读取新消息，按配置阻塞等待
func (q *Queue) Read(ctx context.Context, consumer string) ([]Job, error) {
	jobs, _, err := q.readGroup(ctx, consumer, ">", q.cfg.Block)
	return jobs, err
}

// ReadPending 读取本消费者已领取未确认的消息 (进程崩溃后恢复)
// cursor 从 "0" 开始，返回下一页游标；游标为空表示已读完
func (q *Queue) ReadPending(ctx context.Context, consumer, cursor string) ([]Job, string, error) {
	return q.readGroup(ctx, consumer, cursor, -1)
}

func (q *Queue) readGroup(ctx context.Context, consumer, id string, block time.Duration) ([]Job, string, error) {
	streams, err := q.rds.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: consumer,
		Streams:  []string{q.cfg.Stream, id},
		Count:    q.cfg.Batch,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", xerr.Newf(xerr.QueueError, "read jobs: %v", err)
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	if len(msgs) == 0 {
		return nil, "", nil
	}
	return q.decode(ctx, msgs), msgs[len(msgs)-1].ID, nil
}

// Claim 把其他消费者空闲超过 minIdle 的消息转到 consumer 名下
// start 从 "0-0" 开始，返回的游标为 "0-0" 表示扫描完一轮
func (q *Queue) Claim(ctx context.Context, consumer string, minIdle time.Duration, start string) ([]Job, string, error) {
	msgs, next, err := q.rds.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		MinIdle:  minIdle,
		Start:    start,
		Count:    q.cfg.Batch,
		Consumer: consumer,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "0-0", nil
		}
		return nil, "", xerr.Newf(xerr.QueueError, "claim jobs: %v", err)
	}
	return q.decode(ctx, msgs), next, nil
}

func (q *Queue) decode(ctx context.Context, msgs []redis.XMessage) []Job {
	jobs := make([]Job, 0, len(msgs))
	for _, msg := range msgs {
		job, err := decodeJob(msg)
		if err != nil {
			// 坏消息直接确认掉，避免反复投递
			_ = q.rds.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID).Err()
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (q *Queue) Ack(ctx context.Context, job Job) error {
	if err := q.rds.XAck(ctx, q.cfg.Stream, q.cfg.Group, job.msgID).Err(); err != nil {
		return xerr.Newf(xerr.QueueError, "ack block %d: %v", job.Height, err)
	}
	return nil
}

// Requeue 以 attempt+1 重新投递并确认原消息
func (q *Queue) Requeue(ctx context.Context, job Job, reason string) error {
	next := job
	next.Attempt++
	next.Reason = reason
	next.EnqueuedAt = time.Now()
	return q.moveTo(ctx, q.cfg.Stream, job, next)
}

// DeadLetter 转入死信流并确认原消息
func (q *Queue) DeadLetter(ctx context.Context, job Job, reason string) error {
	dead := job
	dead.Reason = reason
	dead.EnqueuedAt = time.Now()
	return q.moveTo(ctx, q.cfg.DeadStream, job, dead)
}

func (q *Queue) moveTo(ctx context.Context, stream string, orig, job Job) error {
	args, err := q.addArgs(stream, job)
	if err != nil {
		return err
	}
	pipe := q.rds.TxPipeline()
	pipe.XAdd(ctx, args)
	if orig.msgID != "" {
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, orig.msgID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerr.Newf(xerr.QueueError, "move block %d to %s: %v", job.Height, stream, err)
	}
	return nil
}

// DeadLetters 最近 n 条死信，新的在前
func (q *Queue) DeadLetters(ctx context.Context, n int64) ([]Job, error) {
	msgs, err := q.rds.XRevRangeN(ctx, q.cfg.DeadStream, "+", "-", n).Result()
	if err != nil {
		return nil, xerr.Newf(xerr.QueueError, "read dead letters: %v", err)
	}
	out := make([]Job, 0, len(msgs))
	for _, m := range msgs {
		if job, err := decodeJob(m); err == nil {
			out = append(out, job)
		}
	}
	return out, nil
}

func (q *Queue) addArgs(stream string, job Job) (*redis.XAddArgs, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: string(raw)},
	}, nil
}

func decodeJob(msg redis.XMessage) (Job, error) {
	var job Job
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return job, fmt.Errorf("message %s has no %s field", msg.ID, payloadField)
	}
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return job, err
	}
	job.msgID = msg.ID
	return job, nil
}
