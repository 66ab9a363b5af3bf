package reconcile

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"planpay.com/apps/payment/internal/core/service"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/apps/payment/internal/infra/cache"
	"planpay.com/apps/payment/internal/infra/persistence"
)

type fakeProvider struct {
	mu       sync.Mutex
	records  map[string][]domain.DepositCandidate
	countErr map[string]error
	sinces   []*time.Time
}

func (f *fakeProvider) DepositCount(ctx context.Context, address string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.countErr[address]; err != nil {
		return 0, err
	}
	return int64(len(f.records[address])), nil
}

func (f *fakeProvider) ListDeposits(ctx context.Context, address string, since *time.Time) ([]domain.DepositCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	out := make([]domain.DepositCandidate, 0)
	for _, r := range f.records[address] {
		if since == nil || !r.ObservedAt.Before(*since) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeLock struct{ held bool }

func (l *fakeLock) TryLock(ctx context.Context) (bool, error) { return !l.held, nil }
func (l *fakeLock) Unlock(ctx context.Context) (bool, error)  { return true, nil }

type env struct {
	repo     *persistence.Repo
	db       *gorm.DB
	provider *fakeProvider
	retries  *cache.DepositRetryQueue
	job      *Job
	t0       time.Time
}

func newEnv(t *testing.T) *env {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	repo := persistence.New(db)
	require.NoError(t, repo.Migrate())

	saga := service.NewDepositSaga(service.SagaDeps{
		Tx: repo, Accounts: repo, Payments: repo, Deposits: repo, Users: repo,
	})
	provider := &fakeProvider{records: map[string][]domain.DepositCandidate{}, countErr: map[string]error{}}
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rds.Close() })
	retries := cache.NewDepositRetryQueue(rds, "", 2)
	job := New(repo, repo, map[domain.Chain]domain.DepositProvider{domain.ChainOctet: provider}, retries, saga, nil, time.Minute)

	require.NoError(t, db.Create(&domain.Plan{ID: 1, PriceFiat: decimal.NewFromInt(30), DurationDays: 30}).Error)
	require.NoError(t, db.Create(&domain.User{ID: 7}).Error)
	return &env{repo: repo, db: db, provider: provider, retries: retries, job: job, t0: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
}

func (e *env) haltedAccount(t *testing.T, addr string) {
	require.NoError(t, e.db.Create(&domain.Account{Address: addr, Chain: domain.ChainOctet, IsHalted: true}).Error)
}

func (e *env) record(addr string, id int64, offset time.Duration, amount string) {
	e.provider.records[addr] = append(e.provider.records[addr], domain.DepositCandidate{
		ExternalID: id,
		Source:     domain.SourceProvider,
		CoinSymbol: "KLAY",
		ToAddress:  addr,
		Amount:     decimal.RequireFromString(amount),
		TxHash:     fmt.Sprintf("0xtx%d", id),
		ObservedAt: e.t0.Add(offset),
	})
}

func TestReconcile_CompletesMissedPayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.haltedAccount(t, "0xa")
	addr := "0xa"
	require.NoError(t, e.db.Create(&domain.Payment{
		PaymentID: "PAY1", AmountChain: decimal.RequireFromString("100"), Status: domain.PaymentPending,
		CreatedAt: e.t0, ExpireAt: e.t0.Add(time.Hour), AccountAddress: &addr, PlanID: 1, UserID: 7,
	}).Error)
	e.record("0xa", 555, time.Minute, "100.0000")

	applied, err := e.job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	p, err := e.repo.GetPayment(ctx, "PAY1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)

	// 地址已释放，下一轮不再处理
	applied, err = e.job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestReconcile_Converges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	// 占用但没有订单：每笔都只留档，地址保持占用
	e.haltedAccount(t, "0xb")
	e.record("0xb", 1, time.Minute, "1")
	e.record("0xb", 2, 2*time.Minute, "1")
	e.record("0xb", 3, 3*time.Minute, "1")

	local, err := e.repo.CountDeposits(ctx, "0xb")
	require.NoError(t, err)
	remote := int64(3)
	for i := int64(0); i < remote-local; i++ {
		applied, err := e.job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, applied)
	}

	local, err = e.repo.CountDeposits(ctx, "0xb")
	require.NoError(t, err)
	assert.Equal(t, remote, local)

	applied, err := e.job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	// 第一轮无下界，之后用最近一笔的时间
	require.GreaterOrEqual(t, len(e.provider.sinces), 2)
	assert.Nil(t, e.provider.sinces[0])
	assert.NotNil(t, e.provider.sinces[1])
}

func TestReconcile_IsolatesFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.haltedAccount(t, "0xa")
	e.haltedAccount(t, "0xb")
	e.provider.countErr["0xa"] = errors.New("octet 503")
	e.record("0xb", 9, time.Minute, "1")

	applied, err := e.job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestReconcile_SkipsWhenLocked(t *testing.T) {
	e := newEnv(t)
	e.job.lock = &fakeLock{held: true}
	e.haltedAccount(t, "0xb")
	e.record("0xb", 1, time.Minute, "1")

	applied, err := e.job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestReconcile_ReplaysFailedLiveDeposit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	// 自管链没有对账源，实时流失败的转账只能从重试队列补
	addr := "0xk"
	require.NoError(t, e.db.Create(&domain.Account{Address: addr, Chain: domain.ChainKlaytn, IsHalted: true}).Error)
	require.NoError(t, e.db.Create(&domain.Payment{
		PaymentID: "PAYK", AmountChain: decimal.RequireFromString("5"), Status: domain.PaymentPending,
		CreatedAt: e.t0, ExpireAt: e.t0.Add(time.Hour), AccountAddress: &addr, PlanID: 1, UserID: 7,
	}).Error)
	require.NoError(t, e.retries.Push(ctx, domain.DepositCandidate{
		ExternalID: domain.ChainExternalID(300, 2), Source: domain.SourceChain, CoinSymbol: "KLAY",
		ToAddress: addr, Amount: decimal.RequireFromString("5"), TxHash: "0xk1", BlockHeight: 300, ObservedAt: e.t0.Add(time.Minute),
	}, "db deadlock"))

	applied, err := e.job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	p, err := e.repo.GetPayment(ctx, "PAYK")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)

	left, err := e.retries.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

type failingSaga struct{ err error }

func (f failingSaga) Apply(ctx context.Context, c domain.DepositCandidate) (*domain.User, error) {
	return nil, f.err
}

func TestReconcile_RetryExhaustedGoesDead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.job.saga = failingSaga{err: errors.New("db gone")}
	require.NoError(t, e.retries.Push(ctx, domain.DepositCandidate{ExternalID: 77, ToAddress: "0xk"}, "first"))

	for i := 0; i < 2; i++ {
		applied, err := e.job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, applied)
	}
	left, err := e.retries.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
	dead, err := e.retries.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(77), dead[0].Candidate.ExternalID)
}

func TestNewestMissing(t *testing.T) {
	t0 := time.Now()
	recs := []domain.DepositCandidate{
		{ExternalID: 1, ObservedAt: t0},
		{ExternalID: 2, ObservedAt: t0.Add(time.Second)},
		{ExternalID: 3, ObservedAt: t0.Add(2 * time.Second)},
	}
	got, ok := newestMissing(recs, map[int64]bool{3: true})
	require.True(t, ok)
	assert.Equal(t, int64(2), got.ExternalID)

	_, ok = newestMissing(recs, map[int64]bool{1: true, 2: true, 3: true})
	assert.False(t, ok)
}
