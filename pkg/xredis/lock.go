package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript 锁属于自己时续期
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// RedisLockMaster 主节点租约：多实例部署时只有持有租约的节点订阅新区块
type RedisLockMaster struct {
	rdb *redis.Client
	id  string // 当前节点的唯一ID
}

func NewRedisLockMaster(rdb *redis.Client) *RedisLockMaster {
	id := fmt.Sprintf("%s-%d", uuid.New().String(), time.Now().UnixNano())
	return &RedisLockMaster{
		rdb: rdb,
		id:  id,
	}
}

func (r *RedisLockMaster) ID() string { return r.id }

// TryAcquireMaster 抢占或续期租约，返回当前节点是否为 Master
func (r *RedisLockMaster) TryAcquireMaster(ctx context.Context, masterLockKey string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, masterLockKey, r.id, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// 已被占用：如果是自己的锁就续期 (原子操作)
	res, err := r.rdb.Eval(ctx, renewScript, []string{masterLockKey}, r.id, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseMaster 主动释放租约
func (r *RedisLockMaster) ReleaseMaster(ctx context.Context, masterLockKey string) error {
	return r.rdb.Eval(ctx, unlockScript, []string{masterLockKey}, r.id).Err()
}
