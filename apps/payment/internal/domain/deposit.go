package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DepositSource 充值记录来源
type DepositSource string

const (
	SourceChain    DepositSource = "chain"    // 实时区块流
	SourceProvider DepositSource = "provider" // 对账补单
)

// Deposit 入账记录，ExternalID 全局唯一，写入后不可变
type Deposit struct {
	ExternalID     int64           `gorm:"primaryKey;autoIncrement:false" json:"externalId"`
	Source         DepositSource   `gorm:"size:16" json:"source"`
	CoinSymbol     string          `gorm:"size:20" json:"coinSymbol"`
	FromAddress    string          `gorm:"size:64" json:"fromAddress"`
	ToAddress      string          `gorm:"size:64;index:idx_to_observed" json:"toAddress"`
	Amount         decimal.Decimal `gorm:"type:decimal(36,18)" json:"amount"`
	TxHash         string          `gorm:"size:80;index" json:"txHash"`
	BlockHeight    int64           `json:"blockHeight"`
	ObservedAt     time.Time       `gorm:"index:idx_to_observed" json:"observedAt"`
	AccountAddress string          `gorm:"size:64" json:"accountAddress"`
	PaymentID      *string         `gorm:"size:36;index" json:"paymentId,omitempty"` // 无主转账为空，仅留档
	CreatedAt      time.Time       `json:"createdAt"`
}

// DepositCandidate 实时流 / 对账源给出的待入账转账
type DepositCandidate struct {
	ExternalID  int64           `json:"externalId"`
	Source      DepositSource   `json:"source"`
	CoinSymbol  string          `json:"coinSymbol"`
	FromAddress string          `json:"fromAddress"`
	ToAddress   string          `json:"toAddress"`
	Amount      decimal.Decimal `json:"amount"`
	TxHash      string          `json:"txHash"`
	BlockHeight int64           `json:"blockHeight"`
	ObservedAt  time.Time       `json:"observedAt"`
}

// ChainExternalID 实时流没有外部编号，用 高度<<16 | 交易序号 生成
func ChainExternalID(height int64, txIndex int) int64 {
	return height<<16 | int64(txIndex&0xffff)
}

type DepositRepo interface {
	// FindDuplicate 按 ExternalID 或 TxHash 查已入账记录
	FindDuplicate(ctx context.Context, externalID int64, txHash string) (*Deposit, error)
	// CreateDeposit 主键冲突返回 ErrDuplicateDeposit
	CreateDeposit(ctx context.Context, d *Deposit) error
	CountDeposits(ctx context.Context, address string) (int64, error)
	// LastObservedAt 该地址最近一笔入账时间，没有时返回 nil
	LastObservedAt(ctx context.Context, address string) (*time.Time, error)
	// KnownDeposits 返回候选里已经入账的 ExternalID / TxHash
	KnownDeposits(ctx context.Context, candidates []DepositCandidate) (map[int64]bool, error)
}

// FailedDeposit 实时流入账失败、等待对账任务重放的转账
type FailedDeposit struct {
	Candidate DepositCandidate `json:"candidate"`
	Attempt   int              `json:"attempt"`
	Reason    string           `json:"reason,omitempty"`
	FailedAt  time.Time        `json:"failedAt"`

	Ref string `json:"-"` // 队列消息 ID
}

// DepositRetryQueue 持久化的入账重试队列，单消费者 (对账任务) 按顺序处理
type DepositRetryQueue interface {
	Push(ctx context.Context, cand DepositCandidate, reason string) error
	Pending(ctx context.Context, n int64) ([]FailedDeposit, error)
	Done(ctx context.Context, f FailedDeposit) error
	// Retry 重新排队，超过次数转入死信，返回是否已转入死信
	Retry(ctx context.Context, f FailedDeposit, reason string) (bool, error)
}
