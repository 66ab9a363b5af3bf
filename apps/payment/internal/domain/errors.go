package domain

import "errors"

var (
	// ErrPoolExhausted 没有空闲地址且无法生成新地址
	ErrPoolExhausted = errors.New("account pool exhausted")
	// ErrNoBinding 转账地址上没有待支付订单
	ErrNoBinding = errors.New("no pending payment bound to address")
	// ErrDuplicateDeposit 重复入账，saga 内部吞掉
	ErrDuplicateDeposit = errors.New("duplicate deposit")
	// ErrTerminalIngestion 区块任务重试耗尽
	ErrTerminalIngestion = errors.New("block job exhausted retries")
	ErrPaymentNotPending = errors.New("payment is not pending")
	ErrNotFound          = errors.New("record not found")
	ErrInvalidChain      = errors.New("invalid chain")
)
