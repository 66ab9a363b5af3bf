package service

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"planpay.com/apps/payment/internal/domain"
)

const chainAmountPlaces = 4

// QuoteTable 法币 -> 链上币种汇率，整体替换并带版本号
type QuoteTable struct {
	mu      sync.RWMutex
	version int64
	rates   map[domain.Chain]decimal.Decimal
}

func NewQuoteTable(rates map[domain.Chain]decimal.Decimal) *QuoteTable {
	q := &QuoteTable{}
	q.Replace(rates)
	return q
}

// Replace 配置热更新时调用
func (q *QuoteTable) Replace(rates map[domain.Chain]decimal.Decimal) int64 {
	cp := make(map[domain.Chain]decimal.Decimal, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rates = cp
	q.version++
	return q.version
}

func (q *QuoteTable) Version() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.version
}

// Convert 法币金额换算成链上金额，向上取整到 4 位
func (q *QuoteTable) Convert(chain domain.Chain, fiat decimal.Decimal) (decimal.Decimal, int64, error) {
	q.mu.RLock()
	rate, ok := q.rates[chain]
	version := q.version
	q.mu.RUnlock()
	if !ok || !rate.IsPositive() {
		return decimal.Zero, version, fmt.Errorf("no quote for %s", chain)
	}
	return fiat.DivRound(rate, 16).RoundCeil(chainAmountPlaces), version, nil
}
