package klaytn

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/hdwallet"
	"planpay.com/pkg/retry"
)

const testMnemonic = "test test test test test test test test test test test junk"

func TestExtractTransfers(t *testing.T) {
	chainID := big.NewInt(1001)
	signer := types.LatestSignerForChainID(chainID)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x00000000000000000000000000000000000000Aa")

	sign := func(nonce uint64, to *common.Address, value *big.Int, data []byte) *types.Transaction {
		tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
			Nonce: nonce, GasPrice: big.NewInt(1), Gas: 21000, To: to, Value: value, Data: data,
		}), signer, key)
		require.NoError(t, err)
		return tx
	}
	oneKlay := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	txs := types.Transactions{
		sign(0, &to, oneKlay, nil),                 // 命中
		sign(1, &to, oneKlay, []byte{0x01}),        // 合约调用
		sign(2, nil, oneKlay, nil),                 // 合约创建
		sign(3, &to, big.NewInt(0), nil),           // 零金额
		sign(4, &to, new(big.Int).Mul(oneKlay, big.NewInt(2)), nil), // 执行失败
	}
	receipts := []*types.Receipt{
		{Status: types.ReceiptStatusSuccessful},
		{Status: types.ReceiptStatusSuccessful},
		{Status: types.ReceiptStatusSuccessful},
		{Status: types.ReceiptStatusSuccessful},
		{Status: types.ReceiptStatusFailed},
	}

	out, err := extractTransfers(signer, txs, receipts)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].TxIndex)
	assert.Equal(t, domain.NormalizeAddress(to.Hex()), out[0].To)
	assert.Equal(t, domain.NormalizeAddress(from.Hex()), out[0].From)
	assert.Equal(t, "1", out[0].Amount.String())

	_, err = extractTransfers(signer, txs, receipts[:2])
	assert.True(t, retry.IsTransient(err))
}

func TestSweepValue(t *testing.T) {
	v, ok := sweepValue(big.NewInt(100_000), big.NewInt(2), 21000)
	require.True(t, ok)
	assert.Equal(t, int64(58_000), v.Int64())

	_, ok = sweepValue(big.NewInt(42_000), big.NewInt(2), 21000)
	assert.False(t, ok)
}

type codeErr struct{ code int }

func (e codeErr) Error() string  { return "rpc error" }
func (e codeErr) ErrorCode() int { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"not found", ethereum.NotFound, false},
		{"rate limited", rpc.HTTPError{StatusCode: 429}, true},
		{"bad gateway", rpc.HTTPError{StatusCode: 502}, true},
		{"bad request", rpc.HTTPError{StatusCode: 400}, false},
		{"limit exceeded", codeErr{-32005}, true},
		{"invalid params", codeErr{-32602}, false},
		{"connection reset", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, retry.IsTransient(classify("op", tt.err)))
		})
	}
}

type fakeAccounts map[string]*domain.Account

func (f fakeAccounts) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	if acc, ok := f[address]; ok {
		return acc, nil
	}
	return nil, domain.ErrNotFound
}

func TestHDKeySource(t *testing.T) {
	w, err := hdwallet.New(testMnemonic, &chaincfg.MainNetParams)
	require.NoError(t, err)
	accounts := fakeAccounts{}
	ks := NewHDKeySource(w, accounts)
	ctx := context.Background()

	kp0, err := ks.NewKeypair(ctx, 0)
	require.NoError(t, err)
	kp1, err := ks.NewKeypair(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, kp0.Address, kp1.Address)
	assert.Equal(t, domain.NormalizeAddress(kp0.Address), kp0.Address)

	again, err := ks.NewKeypair(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, kp1.Address, again.Address, "derivation is deterministic")

	accounts[kp1.Address] = &domain.Account{Address: kp1.Address, Chain: domain.ChainKlaytn, Position: 1}
	key, err := ks.PrivateKeyFor(ctx, kp1.Address)
	require.NoError(t, err)
	assert.Equal(t, kp1.Address, domain.NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex()))

	_, err = ks.PrivateKeyFor(ctx, "0xunknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = ks.NewKeypair(ctx, -1)
	assert.Error(t, err)
}
