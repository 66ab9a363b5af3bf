package ingestion

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
	"planpay.com/pkg/safe"
)

const defaultLeaderKey = "payment:ingestion:leader"

var errRecoverAborted = errors.New("gap recovery aborted")

// Leader 分布式主节点租约 (xredis.RedisLockMaster)
type Leader interface {
	ID() string
	TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseMaster(ctx context.Context, key string) error
}

type recoverResult struct {
	head int64
	err  error
}

// HeadListener 只有主节点订阅新区块
// 成为主节点时先订阅，补块在后台进行；补块期间到达的新区块先缓存，补完后再入队
type HeadListener struct {
	pipeline *Pipeline
	heads    domain.HeadSource
	leader   Leader
	key      string
	ttl      time.Duration

	leading bool
	sub     domain.Subscription
	heights chan int64

	synced        bool  // 已补齐到订阅开始之后
	next          int64 // 下一个应入队的高度，0 表示未知
	backlog       []int64
	recoverDone   chan recoverResult
	cancelRecover context.CancelFunc
}

func NewHeadListener(p *Pipeline, heads domain.HeadSource, leader Leader, key string, ttl time.Duration) *HeadListener {
	if key == "" {
		key = defaultLeaderKey
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &HeadListener{
		pipeline: p,
		heads:    heads,
		leader:   leader,
		key:      key,
		ttl:      ttl,
		heights:  make(chan int64, 64),
	}
}

func (l *HeadListener) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	defer l.stop(context.Background())

	l.tick(ctx)
	for {
		var subErr <-chan error
		if l.sub != nil {
			subErr = l.sub.Err()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick(ctx)
		case h := <-l.heights:
			l.onHead(ctx, h)
		case res := <-l.recoverDone:
			l.finishRecover(ctx, res)
		case err := <-subErr:
			logger.Warn(ctx, "head subscription dropped, resubscribing on next tick", zap.Error(err))
			l.sub = nil
		}
	}
}

// tick 续约 / 抢主；失去主节点身份时退订
func (l *HeadListener) tick(ctx context.Context) {
	ok, err := l.leader.TryAcquireMaster(ctx, l.key, l.ttl)
	if err != nil {
		logger.Error(ctx, "leader lease check failed", zap.Error(err))
		return
	}
	if !ok {
		if l.leading {
			logger.Warn(ctx, "lost ingestion leadership", zap.String("node", l.leader.ID()))
			l.resign()
		}
		return
	}
	if !l.leading {
		l.leading = true
		logger.Info(ctx, "👑 became ingestion leader", zap.String("node", l.leader.ID()))
	}
	if l.sub == nil {
		sub, err := l.heads.SubscribeHeads(ctx, l.heights)
		if err != nil {
			logger.Error(ctx, "subscribe new heads failed", zap.Error(err))
			return
		}
		l.sub = sub
		logger.Info(ctx, "subscribed to new heads")
	}
	if !l.synced && l.recoverDone == nil {
		l.startRecover(ctx)
	}
}

// startRecover 订阅已建立后在后台补块，主循环继续续约
func (l *HeadListener) startRecover(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan recoverResult, 1)
	l.cancelRecover = cancel
	l.recoverDone = done
	safe.GoCtx(rctx, func(ctx context.Context) {
		res := recoverResult{err: errRecoverAborted}
		defer func() { done <- res }()
		res.head, res.err = l.pipeline.Recover(ctx)
	})
}

func (l *HeadListener) finishRecover(ctx context.Context, res recoverResult) {
	l.cancelRecover()
	l.cancelRecover = nil
	l.recoverDone = nil
	if res.err != nil {
		logger.Error(ctx, "gap recovery failed, retry on next tick", zap.Int("buffered", len(l.backlog)), zap.Error(res.err))
		return
	}
	l.synced = true
	if res.head > 0 {
		l.next = res.head + 1
	}
	backlog := l.backlog
	l.backlog = nil
	logger.Info(ctx, "gap recovery done", zap.Int64("head", res.head), zap.Int("buffered", len(backlog)))
	for _, h := range backlog {
		l.enqueueUpTo(ctx, h)
	}
}

func (l *HeadListener) onHead(ctx context.Context, h int64) {
	if !l.leading {
		return
	}
	if !l.synced {
		l.backlog = append(l.backlog, h)
		return
	}
	l.enqueueUpTo(ctx, h)
}

// enqueueUpTo 入队 h，并补上 next..h 之间没收到通知的区块
func (l *HeadListener) enqueueUpTo(ctx context.Context, h int64) {
	if l.next > 0 && h < l.next {
		return
	}
	from := h
	if l.next > 0 {
		from = l.next
	}
	for x := from; x <= h; x++ {
		if err := l.pipeline.OnHead(ctx, x); err != nil {
			logger.Error(ctx, "handle new head failed", zap.Int64("height", x), zap.Error(err))
			l.next = x
			return
		}
	}
	l.next = h + 1
}

// resign 退订并丢弃补块进度，重新当选时从水位重来
func (l *HeadListener) resign() {
	l.unsubscribe()
	if l.cancelRecover != nil {
		l.cancelRecover()
		l.cancelRecover = nil
	}
	l.recoverDone = nil
	l.synced = false
	l.next = 0
	l.backlog = nil
	l.leading = false
}

func (l *HeadListener) unsubscribe() {
	if l.sub != nil {
		l.sub.Unsubscribe()
		l.sub = nil
	}
}

func (l *HeadListener) stop(ctx context.Context) {
	wasLeading := l.leading
	l.resign()
	if wasLeading {
		if err := l.leader.ReleaseMaster(ctx, l.key); err != nil {
			logger.Error(ctx, "release leader lease failed", zap.Error(err))
		}
	}
}
