package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
	"planpay.com/pkg/metrics"
	"planpay.com/pkg/retry"
	"planpay.com/pkg/safe"
	"planpay.com/pkg/trace"
)

type Config struct {
	Consumers         int
	ConsumerPrefix    string        // 消费者名前缀，需跨重启稳定 (hostname)
	MaxAttempts       int           // 单个区块任务最多投递次数
	RetryBackoff      time.Duration // 失败后重新投递前的等待
	TxCountRetryDelay time.Duration
	ClaimIdle         time.Duration // 其他消费者领取后超过该时长未确认的任务会被接管
	ClaimInterval     time.Duration
}

// ListenerView 只读的监听地址集合
type ListenerView interface {
	Size(ctx context.Context) (int64, error)
	Snapshot(ctx context.Context) (map[string]struct{}, error)
}

type DepositApplier interface {
	Apply(ctx context.Context, cand domain.DepositCandidate) (*domain.User, error)
}

// Pipeline 新区块 -> 持久化队列 -> worker 提取转账 -> DepositSaga
type Pipeline struct {
	cfg       Config
	ledger    domain.LedgerClient
	queue     *Queue
	listeners ListenerView
	saga      DepositApplier
	retries   domain.DepositRetryQueue
	watermark domain.WatermarkRepo
	now       func() time.Time
}

func New(cfg Config, ledger domain.LedgerClient, queue *Queue, listeners ListenerView,
	saga DepositApplier, retries domain.DepositRetryQueue, watermark domain.WatermarkRepo) *Pipeline {
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.ConsumerPrefix == "" {
		cfg.ConsumerPrefix = "payment"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.TxCountRetryDelay <= 0 {
		cfg.TxCountRetryDelay = time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		ledger:    ledger,
		queue:     queue,
		listeners: listeners,
		saga:      saga,
		retries:   retries,
		watermark: watermark,
		now:       time.Now,
	}
}

// OnHead 收到新区块通知：没有监听地址时直接跳过，否则入队
func (p *Pipeline) OnHead(ctx context.Context, height int64) error {
	n, err := p.listeners.Size(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		logger.Debug(ctx, "no listening address, skip head", zap.Int64("height", height))
		metrics.BlocksProcessed.WithLabelValues("skipped").Inc()
		return nil
	}
	job, err := p.blockJob(ctx, height)
	if err != nil {
		return err
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	logger.Debug(ctx, "block enqueued", zap.Int64("height", height), zap.Int("tx_count", job.TxCount))
	return nil
}

// blockJob 交易数和区块 hash 各给一次固定间隔的重试
func (p *Pipeline) blockJob(ctx context.Context, height int64) (Job, error) {
	count, err := retry.DoValue(ctx, 2, p.cfg.TxCountRetryDelay, func(ctx context.Context) (int, error) {
		return p.ledger.GetTransactionCount(ctx, height)
	})
	if err != nil {
		return Job{}, fmt.Errorf("tx count of block %d: %w", height, err)
	}
	ref, err := retry.DoValue(ctx, 2, p.cfg.TxCountRetryDelay, func(ctx context.Context) (*domain.BlockRef, error) {
		return p.ledger.GetBlock(ctx, height)
	})
	if err != nil {
		return Job{}, fmt.Errorf("get block %d: %w", height, err)
	}
	return Job{Height: height, Hash: ref.Hash, TxCount: count, Attempt: 1}, nil
}

// ProcessBlock 单个区块的处理逻辑，实时队列、启动补块、手动重放共用
// 单笔 saga 失败写入重试队列由对账任务重放；写不进去则整块失败，不推进水位
func (p *Pipeline) ProcessBlock(ctx context.Context, job Job) error {
	ctx, span := trace.Start(ctx, "Pipeline.ProcessBlock", oteltrace.WithAttributes(attribute.Int64("height", job.Height)))
	defer span.End()

	if job.TxCount == 0 {
		metrics.BlocksProcessed.WithLabelValues("skipped").Inc()
		return nil
	}
	watching, err := p.listeners.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(watching) == 0 {
		metrics.BlocksProcessed.WithLabelValues("skipped").Inc()
		return nil
	}
	transfers, err := p.ledger.GetBlockReceipts(ctx, job.Hash)
	if err != nil {
		return fmt.Errorf("receipts of block %d: %w", job.Height, err)
	}

	matched := 0
	for _, tr := range transfers {
		to := domain.NormalizeAddress(tr.To)
		if _, ok := watching[to]; !ok {
			continue
		}
		matched++
		cand := domain.DepositCandidate{
			ExternalID:  domain.ChainExternalID(job.Height, tr.TxIndex),
			Source:      domain.SourceChain,
			CoinSymbol:  p.ledger.Symbol(),
			FromAddress: tr.From,
			ToAddress:   to,
			Amount:      tr.Amount,
			TxHash:      tr.TxHash,
			BlockHeight: job.Height,
			ObservedAt:  p.now(),
		}
		if _, err := p.saga.Apply(ctx, cand); err != nil {
			if errors.Is(err, domain.ErrNoBinding) {
				logger.Warn(ctx, "transfer to listening address without payment",
					zap.Int64("height", job.Height), zap.String("to", to), zap.String("tx_hash", tr.TxHash))
				continue
			}
			logger.Error(ctx, "apply deposit failed, queued for retry",
				zap.Int64("height", job.Height),
				zap.String("tx_hash", tr.TxHash),
				zap.Error(err))
			if perr := p.retries.Push(ctx, cand, err.Error()); perr != nil {
				return fmt.Errorf("queue failed deposit of block %d: %w", job.Height, perr)
			}
		}
	}
	if matched == 0 {
		metrics.BlocksProcessed.WithLabelValues("skipped").Inc()
		return nil
	}

	if err := p.watermark.AdvanceWatermark(ctx, job.Height); err != nil {
		return err
	}
	metrics.Watermark.Set(float64(job.Height))
	metrics.BlocksProcessed.WithLabelValues("ok").Inc()
	logger.Info(ctx, "block processed", zap.Int64("height", job.Height), zap.Int("matched", matched))
	return nil
}

// Replay 同步重放一个区块 (死信人工处理)
func (p *Pipeline) Replay(ctx context.Context, height int64) error {
	job, err := p.blockJob(ctx, height)
	if err != nil {
		return err
	}
	return p.ProcessBlock(ctx, job)
}

// Recover 从水位补齐到链上当前高度，返回补到的高度
// 没有水位时返回 0，调用方从实时区块开始
func (p *Pipeline) Recover(ctx context.Context) (int64, error) {
	last, err := p.watermark.GetWatermark(ctx)
	if err != nil {
		return 0, err
	}
	if last == 0 {
		logger.Info(ctx, "no watermark yet, start from live head")
		return 0, nil
	}
	head, err := retry.DoValue(ctx, p.cfg.MaxAttempts, p.cfg.RetryBackoff, p.ledger.CurrentHeight)
	if err != nil {
		return 0, err
	}
	if head <= last {
		return last, nil
	}
	logger.Info(ctx, "🔄 replaying missed blocks", zap.Int64("from", last+1), zap.Int64("to", head))
	for h := last + 1; h <= head; h++ {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		err := retry.Do(ctx, p.cfg.MaxAttempts, p.cfg.RetryBackoff, func(ctx context.Context) error {
			job, err := p.blockJob(ctx, h)
			if err != nil {
				return err
			}
			return p.ProcessBlock(ctx, job)
		})
		if err != nil {
			logger.Error(ctx, "replay block failed, dead-lettered", zap.Int64("height", h), zap.Error(err))
			if derr := p.queue.DeadLetter(ctx, Job{Height: h, Attempt: p.cfg.MaxAttempts}, err.Error()); derr != nil {
				logger.Error(ctx, "dead-letter replay failure", zap.Int64("height", h), zap.Error(derr))
			}
			continue
		}
		logger.Info(ctx, "replayed block", zap.Int64("height", h), zap.Int64("remaining", head-h))
	}
	return head, nil
}

// RunWorkers 启动消费者直到 ctx 结束
func (p *Pipeline) RunWorkers(ctx context.Context) error {
	if err := p.queue.Ensure(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Consumers; i++ {
		consumer := fmt.Sprintf("%s-%d", p.cfg.ConsumerPrefix, i)
		wg.Add(1)
		safe.GoCtx(ctx, func(ctx context.Context) {
			defer wg.Done()
			p.worker(ctx, consumer)
		})
	}
	logger.Info(ctx, "block workers started", zap.Int("consumers", p.cfg.Consumers))
	<-ctx.Done()
	wg.Wait()
	logger.Info(ctx, "block workers stopped")
	return nil
}

func (p *Pipeline) worker(ctx context.Context, consumer string) {
	// 先处理上次崩溃时领取未确认的任务
	if err := p.drainPending(ctx, consumer); err != nil {
		logger.Error(ctx, "recover pending jobs failed", zap.String("consumer", consumer), zap.Error(err))
	}
	lastClaim := time.Now()
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= p.cfg.ClaimInterval {
			lastClaim = time.Now()
			if err := p.claim(ctx, consumer); err != nil {
				logger.Error(ctx, "claim idle jobs failed", zap.String("consumer", consumer), zap.Error(err))
			}
		}
		if err := p.poll(ctx, consumer); err != nil {
			logger.Error(ctx, "read jobs failed", zap.String("consumer", consumer), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// poll 读一批新任务并逐个处理
func (p *Pipeline) poll(ctx context.Context, consumer string) error {
	jobs, err := p.queue.Read(ctx, consumer)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		p.handle(ctx, job)
	}
	return nil
}

// drainPending 按游标翻完本消费者的 pending 列表
func (p *Pipeline) drainPending(ctx context.Context, consumer string) error {
	cursor := "0"
	for ctx.Err() == nil {
		jobs, next, err := p.queue.ReadPending(ctx, consumer, cursor)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		for _, job := range jobs {
			p.handle(ctx, job)
		}
		cursor = next
	}
	return ctx.Err()
}

// claim 接管其他 (已下线) 消费者长时间未确认的任务
func (p *Pipeline) claim(ctx context.Context, consumer string) error {
	start := "0-0"
	for ctx.Err() == nil {
		jobs, next, err := p.queue.Claim(ctx, consumer, p.cfg.ClaimIdle, start)
		if err != nil {
			return err
		}
		if len(jobs) > 0 {
			logger.Info(ctx, "claimed idle block jobs", zap.String("consumer", consumer), zap.Int("count", len(jobs)))
		}
		for _, job := range jobs {
			p.handle(ctx, job)
		}
		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
	return ctx.Err()
}

func (p *Pipeline) handle(ctx context.Context, job Job) {
	ctx = logger.WithTraceID(ctx, fmt.Sprintf("block-%d-%d", job.Height, job.Attempt))
	err := safe.Call(ctx, func(ctx context.Context) error {
		return p.ProcessBlock(ctx, job)
	})
	if err == nil {
		if aerr := p.queue.Ack(ctx, job); aerr != nil {
			logger.Error(ctx, "ack job failed", zap.Int64("height", job.Height), zap.Error(aerr))
		}
		return
	}

	metrics.BlocksProcessed.WithLabelValues("failed").Inc()
	if job.Attempt >= p.cfg.MaxAttempts {
		terminal := fmt.Errorf("%w: block %d: %v", domain.ErrTerminalIngestion, job.Height, err)
		logger.Error(ctx, "block job dead-lettered", zap.Int64("height", job.Height), zap.Int("attempt", job.Attempt), zap.Error(terminal))
		metrics.JobsDeadLettered.Inc()
		if derr := p.queue.DeadLetter(ctx, job, err.Error()); derr != nil {
			logger.Error(ctx, "dead-letter failed", zap.Int64("height", job.Height), zap.Error(derr))
		}
		return
	}

	logger.Warn(ctx, "block job failed, will retry",
		zap.Int64("height", job.Height),
		zap.Int("attempt", job.Attempt),
		zap.Duration("backoff", p.cfg.RetryBackoff),
		zap.Error(err))
	select {
	case <-ctx.Done():
		// 不确认，重启后从 pending 恢复
		return
	case <-time.After(p.cfg.RetryBackoff):
	}
	if rerr := p.queue.Requeue(ctx, job, err.Error()); rerr != nil {
		logger.Error(ctx, "requeue failed", zap.Int64("height", job.Height), zap.Error(rerr))
	}
}
