package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/retry"
)

type fakeLedger struct {
	mu         sync.Mutex
	head       int64
	txCount    map[int64]int
	transfers  map[string][]domain.Transfer
	countFails int // 前 n 次 GetTransactionCount 返回 Transient
	countCalls int
	receiptErr error
	headGate   chan struct{} // 非空时 CurrentHeight 等它关闭后才返回
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txCount: map[int64]int{}, transfers: map[string][]domain.Transfer{}}
}

func hashOf(h int64) string { return fmt.Sprintf("0xblock%d", h) }

func (f *fakeLedger) CurrentHeight(ctx context.Context) (int64, error) {
	if f.headGate != nil {
		select {
		case <-f.headGate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeLedger) GetBlock(ctx context.Context, height int64) (*domain.BlockRef, error) {
	return &domain.BlockRef{Height: height, Hash: hashOf(height)}, nil
}

func (f *fakeLedger) GetBlockReceipts(ctx context.Context, hash string) ([]domain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.transfers[hash], nil
}

func (f *fakeLedger) GetTransactionCount(ctx context.Context, height int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	if f.countFails > 0 {
		f.countFails--
		return 0, retry.Transient(errors.New("node busy"))
	}
	return f.txCount[height], nil
}

func (f *fakeLedger) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeLedger) SweepToMaster(ctx context.Context, address string) (string, error) {
	return "", nil
}

func (f *fakeLedger) Symbol() string { return "KLAY" }

// addTransfer 在区块 h 放一笔转给 to 的交易
func (f *fakeLedger) addTransfer(h int64, idx int, to string) {
	f.txCount[h]++
	f.transfers[hashOf(h)] = append(f.transfers[hashOf(h)], domain.Transfer{
		TxHash:  hashOf(h) + "-tx",
		TxIndex: idx,
		From:    "0xpayer",
		To:      to,
		Amount:  decimal.NewFromInt(1),
	})
}

type staticListeners map[string]struct{}

func (s staticListeners) Size(ctx context.Context) (int64, error) { return int64(len(s)), nil }

func (s staticListeners) Snapshot(ctx context.Context) (map[string]struct{}, error) {
	return map[string]struct{}(s), nil
}

type recordSaga struct {
	mu    sync.Mutex
	cands []domain.DepositCandidate
	err   error
}

func (r *recordSaga) Apply(ctx context.Context, c domain.DepositCandidate) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cands = append(r.cands, c)
	return &domain.User{ID: 1}, r.err
}

type memWatermark struct {
	mu     sync.Mutex
	value  int64
	writes []int64
	err    error
}

func (m *memWatermark) GetWatermark(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *memWatermark) AdvanceWatermark(ctx context.Context, h int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes = append(m.writes, h)
	if h > m.value {
		m.value = h
	}
	return nil
}

type memRetries struct {
	mu     sync.Mutex
	pushed []domain.DepositCandidate
	err    error
}

func (m *memRetries) Push(ctx context.Context, cand domain.DepositCandidate, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.pushed = append(m.pushed, cand)
	return nil
}

func (m *memRetries) Pending(ctx context.Context, n int64) ([]domain.FailedDeposit, error) {
	return nil, nil
}

func (m *memRetries) Done(ctx context.Context, f domain.FailedDeposit) error { return nil }

func (m *memRetries) Retry(ctx context.Context, f domain.FailedDeposit, reason string) (bool, error) {
	return false, nil
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rds.Close() })
	q := NewQueue(rds, QueueConfig{Block: -1})
	return q, mr
}

func newTestPipeline(t *testing.T, ledger *fakeLedger, listeners ListenerView, saga *recordSaga, wm *memWatermark) (*Pipeline, *Queue) {
	q, _ := newTestQueue(t)
	p := New(Config{MaxAttempts: 3, RetryBackoff: time.Millisecond, TxCountRetryDelay: time.Millisecond},
		ledger, q, listeners, saga, &memRetries{}, wm)
	return p, q
}
