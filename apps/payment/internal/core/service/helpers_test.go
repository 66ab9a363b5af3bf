package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/apps/payment/internal/infra/persistence"
)

func newTestDB(t *testing.T) (*persistence.Repo, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	repo := persistence.New(db)
	require.NoError(t, repo.Migrate())
	return repo, db
}

// seqKeys 按 position 生成地址
type seqKeys struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (k *seqKeys) NewKeypair(ctx context.Context, position int64) (*domain.Keypair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	if k.err != nil {
		return nil, k.err
	}
	return &domain.Keypair{Address: fmt.Sprintf("0x%040d", position), Position: position}, nil
}

type memListeners struct {
	mu   sync.Mutex
	set  map[string]bool
	fail error
}

func newMemListeners() *memListeners { return &memListeners{set: map[string]bool{}} }

func (m *memListeners) Listen(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.set[domain.NormalizeAddress(address)] = true
	return nil
}

func (m *memListeners) Unlisten(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.set, domain.NormalizeAddress(address))
	return nil
}

func (m *memListeners) has(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set[address]
}

type fakeSweeper struct {
	swept []string
	err   error
}

func (f *fakeSweeper) SweepToMaster(ctx context.Context, address string) (string, error) {
	f.swept = append(f.swept, address)
	if f.err != nil {
		return "", f.err
	}
	return "0xsweep", nil
}

type recordCompletion struct {
	events []domain.DepositCompleted
}

func (r *recordCompletion) OnDepositCompleted(ctx context.Context, ev domain.DepositCompleted) {
	r.events = append(r.events, ev)
}

// fixture 一个用户、一个套餐、一个已占用地址和绑定在上面的 Pending 订单
type fixture struct {
	repo       *persistence.Repo
	db         *gorm.DB
	saga       *DepositSaga
	listeners  *memListeners
	sweeper    *fakeSweeper
	completion *recordCompletion
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	repo, db := newTestDB(t)
	f := &fixture{
		repo:       repo,
		db:         db,
		listeners:  newMemListeners(),
		sweeper:    &fakeSweeper{},
		completion: &recordCompletion{},
		now:        time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.saga = NewDepositSaga(SagaDeps{
		Tx:         repo,
		Accounts:   repo,
		Payments:   repo,
		Deposits:   repo,
		Users:      repo,
		Sweepers:   map[domain.Chain]domain.Sweeper{domain.ChainKlaytn: f.sweeper},
		Listeners:  f.listeners,
		Completion: f.completion,
		Now:        func() time.Time { return f.now },
	})
	require.NoError(t, db.Create(&domain.Plan{ID: 1, Name: "pro", PriceFiat: decimal.NewFromInt(30), DurationDays: 30}).Error)
	require.NoError(t, db.Create(&domain.User{ID: 7, Email: "u@planpay.com"}).Error)
	return f
}

func (f *fixture) bind(t *testing.T, paymentID, address, amount string) {
	t.Helper()
	require.NoError(t, f.db.Create(&domain.Account{Address: address, Chain: domain.ChainKlaytn, IsHalted: true}).Error)
	addr := address
	require.NoError(t, f.db.Create(&domain.Payment{
		PaymentID:      paymentID,
		AmountFiat:     decimal.NewFromInt(30),
		AmountChain:    decimal.RequireFromString(amount),
		Chain:          domain.ChainKlaytn,
		Status:         domain.PaymentPending,
		CreatedAt:      f.now,
		ExpireAt:       f.now.Add(time.Hour),
		AccountAddress: &addr,
		PlanID:         1,
		UserID:         7,
	}).Error)
	require.NoError(t, f.listeners.Listen(context.Background(), address))
}
