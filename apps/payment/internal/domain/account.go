package domain

import (
	"context"
	"strings"
	"time"
)

// Chain 收款地址所属的链 / 托管渠道
type Chain string

const (
	ChainKlaytn Chain = "KLAYTN" // 自管 HD 钱包
	ChainOctet  Chain = "OCTET"  // 第三方托管
)

func (c Chain) Valid() bool {
	return c == ChainKlaytn || c == ChainOctet
}

// Account 收款地址
// IsHalted = true 表示已绑定到一笔未结束的订单
type Account struct {
	Address   string `gorm:"primaryKey;size:64"`
	Chain     Chain  `gorm:"size:16;index:idx_chain_halted"`
	Position  int64  // HD 派生序号 / 托管方地址序号
	IsHalted  bool   `gorm:"index:idx_chain_halted;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeAddress 地址统一小写存储
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

type AccountRepo interface {
	// LockFree 锁定一条空闲地址 (FOR UPDATE SKIP LOCKED)，没有时返回 nil, nil
	LockFree(ctx context.Context, chain Chain) (*Account, error)
	// CreateAccount 新地址入池 (空闲状态)，地址已存在时忽略
	CreateAccount(ctx context.Context, acc *Account) error
	// Halt 空闲 -> 占用，返回是否抢到
	Halt(ctx context.Context, address string) (bool, error)
	Release(ctx context.Context, address string) error
	CountAccounts(ctx context.Context, chain Chain) (int64, error)
	GetAccount(ctx context.Context, address string) (*Account, error)
	ListHalted(ctx context.Context) ([]*Account, error)
}

// Keypair 新生成的收款地址
type Keypair struct {
	Address  string
	Position int64
}

// KeySource 地址池耗尽时生成新地址
type KeySource interface {
	NewKeypair(ctx context.Context, position int64) (*Keypair, error)
}
