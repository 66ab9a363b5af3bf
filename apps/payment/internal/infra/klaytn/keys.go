package klaytn

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/hdwallet"
)

// AccountLookup 通过地址找到派生序号
type AccountLookup interface {
	GetAccount(ctx context.Context, address string) (*domain.Account, error)
}

// HDKeySource 从助记词按序号派生收款地址
type HDKeySource struct {
	wallet   *hdwallet.HDWallet
	accounts AccountLookup
}

var (
	_ domain.KeySource = (*HDKeySource)(nil)
	_ KeyLookup        = (*HDKeySource)(nil)
)

func NewHDKeySource(wallet *hdwallet.HDWallet, accounts AccountLookup) *HDKeySource {
	return &HDKeySource{wallet: wallet, accounts: accounts}
}

func (k *HDKeySource) NewKeypair(ctx context.Context, position int64) (*domain.Keypair, error) {
	if position < 0 || position > int64(^uint32(0)>>1) {
		return nil, fmt.Errorf("position %d out of range", position)
	}
	addr, _, err := k.wallet.DeriveAddress(hdwallet.CoinTypeKlaytn, uint32(position))
	if err != nil {
		return nil, fmt.Errorf("derive klaytn address: %w", err)
	}
	return &domain.Keypair{Address: domain.NormalizeAddress(addr), Position: position}, nil
}

func (k *HDKeySource) PrivateKeyFor(ctx context.Context, address string) (*ecdsa.PrivateKey, error) {
	acc, err := k.accounts.GetAccount(ctx, domain.NormalizeAddress(address))
	if err != nil {
		return nil, err
	}
	if acc.Chain != domain.ChainKlaytn {
		return nil, fmt.Errorf("account %s is not a klaytn account", address)
	}
	return k.wallet.DeriveECDSA(hdwallet.CoinTypeKlaytn, uint32(acc.Position))
}
