package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"planpay.com/apps/payment/internal/domain"
)

func (r *Repo) FindDuplicate(ctx context.Context, externalID int64, txHash string) (*domain.Deposit, error) {
	q := r.getDb(ctx).Where("external_id = ?", externalID)
	if txHash != "" {
		q = q.Or("tx_hash = ?", strings.ToLower(txHash))
	}
	var d domain.Deposit
	if err := q.Take(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbErr("find deposit", err)
	}
	return &d, nil
}

// CreateDeposit INSERT IGNORE，未插入说明主键已存在
func (r *Repo) CreateDeposit(ctx context.Context, d *domain.Deposit) error {
	d.TxHash = strings.ToLower(d.TxHash)
	res := r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(d)
	if res.Error != nil {
		return dbErr("create deposit", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrDuplicateDeposit
	}
	return nil
}

func (r *Repo) CountDeposits(ctx context.Context, address string) (int64, error) {
	var n int64
	if err := r.getDb(ctx).Model(&domain.Deposit{}).Where("to_address = ?", address).Count(&n).Error; err != nil {
		return 0, dbErr("count deposits", err)
	}
	return n, nil
}

func (r *Repo) LastObservedAt(ctx context.Context, address string) (*time.Time, error) {
	var d domain.Deposit
	err := r.getDb(ctx).
		Where("to_address = ?", address).
		Order("observed_at DESC").
		Limit(1).
		Take(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbErr("last deposit", err)
	}
	t := d.ObservedAt
	return &t, nil
}

func (r *Repo) KnownDeposits(ctx context.Context, candidates []domain.DepositCandidate) (map[int64]bool, error) {
	known := make(map[int64]bool, len(candidates))
	if len(candidates) == 0 {
		return known, nil
	}
	ids := make([]int64, 0, len(candidates))
	hashes := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ExternalID)
		if c.TxHash != "" {
			hashes = append(hashes, strings.ToLower(c.TxHash))
		}
	}
	var rows []domain.Deposit
	q := r.getDb(ctx).Select("external_id", "tx_hash").Where("external_id IN ?", ids)
	if len(hashes) > 0 {
		q = q.Or("tx_hash IN ?", hashes)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, dbErr("known deposits", err)
	}
	byHash := make(map[string]bool, len(rows))
	for _, row := range rows {
		known[row.ExternalID] = true
		if row.TxHash != "" {
			byHash[row.TxHash] = true
		}
	}
	for _, c := range candidates {
		if c.TxHash != "" && byHash[strings.ToLower(c.TxHash)] {
			known[c.ExternalID] = true
		}
	}
	return known, nil
}
