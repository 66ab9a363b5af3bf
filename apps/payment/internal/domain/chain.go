package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BlockRef 区块引用
type BlockRef struct {
	Height  int64  `json:"height"`
	Hash    string `json:"hash"`
	TxCount int    `json:"txCount"`
}

// Transfer 区块里一笔成功的原生币转账
type Transfer struct {
	TxHash  string
	TxIndex int
	From    string
	To      string
	Amount  decimal.Decimal
}

// LedgerClient 链节点适配器，错误经 retry.Transient / retry.Permanent 分类
type LedgerClient interface {
	CurrentHeight(ctx context.Context) (int64, error)
	GetBlock(ctx context.Context, height int64) (*BlockRef, error)
	GetBlockReceipts(ctx context.Context, hash string) ([]Transfer, error)
	GetTransactionCount(ctx context.Context, height int64) (int, error)
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	// SweepToMaster 把地址余额归集到主钱包
	SweepToMaster(ctx context.Context, address string) (string, error)
	Symbol() string
}

// Subscription 与 go-ethereum event.Subscription 一致
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// HeadSource 新区块通知
type HeadSource interface {
	SubscribeHeads(ctx context.Context, ch chan<- int64) (Subscription, error)
}

// DepositProvider 对账源
type DepositProvider interface {
	DepositCount(ctx context.Context, address string) (int64, error)
	// ListDeposits since 为空时不设下界
	ListDeposits(ctx context.Context, address string, since *time.Time) ([]DepositCandidate, error)
}

// Sweeper 归集
type Sweeper interface {
	SweepToMaster(ctx context.Context, address string) (string, error)
}

// TxManager 事务通过 ctx 传递
type TxManager interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
