package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserAdvance(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	plan := &Plan{ID: 3, PriceFiat: decimal.NewFromInt(30), DurationDays: 30}
	future := now.Add(10 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name     string
		expireAt *time.Time
		wantKind BonusKind
		wantExp  time.Time
	}{
		{"new user", nil, BonusActivation, now.Add(30 * 24 * time.Hour)},
		{"expired", &past, BonusActivation, now.Add(30 * 24 * time.Hour)},
		{"active", &future, BonusRenewal, future.Add(30 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &User{ID: 1, PlanExpireAt: tt.expireAt}
			kind := u.Advance(plan, now)
			assert.Equal(t, tt.wantKind, kind)
			require.NotNil(t, u.PlanExpireAt)
			assert.True(t, tt.wantExp.Equal(*u.PlanExpireAt))
			require.NotNil(t, u.PlanID)
			assert.Equal(t, int64(3), *u.PlanID)
		})
	}
}

func TestChainExternalID(t *testing.T) {
	a := ChainExternalID(100, 1)
	b := ChainExternalID(100, 2)
	c := ChainExternalID(101, 1)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, int64(100), a>>16)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef", NormalizeAddress(" 0xAbCdEf "))
}
