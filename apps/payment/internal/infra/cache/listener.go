package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/metrics"
	"planpay.com/pkg/xerr"
)

const DefaultListenerKey = "payment:listening"

// ListenerSet 正在等待入账的收款地址 (Redis SET，多实例共享)
type ListenerSet struct {
	rds *redis.Client
	key string
}

func NewListenerSet(rds *redis.Client, key string) *ListenerSet {
	if key == "" {
		key = DefaultListenerKey
	}
	return &ListenerSet{rds: rds, key: key}
}

func (s *ListenerSet) Listen(ctx context.Context, address string) error {
	if err := s.rds.SAdd(ctx, s.key, domain.NormalizeAddress(address)).Err(); err != nil {
		return xerr.Newf(xerr.QueueError, "listen %s: %v", address, err)
	}
	s.observe(ctx)
	return nil
}

func (s *ListenerSet) Unlisten(ctx context.Context, address string) error {
	if err := s.rds.SRem(ctx, s.key, domain.NormalizeAddress(address)).Err(); err != nil {
		return xerr.Newf(xerr.QueueError, "unlisten %s: %v", address, err)
	}
	s.observe(ctx)
	return nil
}

// Snapshot 一次性取出整个集合，worker 处理一个区块时只读一次
func (s *ListenerSet) Snapshot(ctx context.Context) (map[string]struct{}, error) {
	members, err := s.rds.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, xerr.Newf(xerr.QueueError, "snapshot listeners: %v", err)
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

func (s *ListenerSet) Size(ctx context.Context) (int64, error) {
	n, err := s.rds.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, xerr.Newf(xerr.QueueError, "count listeners: %v", err)
	}
	return n, nil
}

// Rebuild 用数据库里的占用地址重建集合 (启动时调用)
func (s *ListenerSet) Rebuild(ctx context.Context, addresses []string) error {
	pipe := s.rds.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(addresses) > 0 {
		members := make([]interface{}, 0, len(addresses))
		for _, a := range addresses {
			members = append(members, domain.NormalizeAddress(a))
		}
		pipe.SAdd(ctx, s.key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerr.Newf(xerr.QueueError, "rebuild listeners: %v", err)
	}
	metrics.ListeningAddresses.Set(float64(len(addresses)))
	return nil
}

func (s *ListenerSet) observe(ctx context.Context) {
	if n, err := s.rds.SCard(ctx, s.key).Result(); err == nil {
		metrics.ListeningAddresses.Set(float64(n))
	}
}
