package hdwallet

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "test test test test test test test test test test test junk"

func TestDeriveAddress_Deterministic(t *testing.T) {
	w1, err := New(testMnemonic, &chaincfg.MainNetParams)
	require.NoError(t, err)
	w2, err := New(testMnemonic, &chaincfg.MainNetParams)
	require.NoError(t, err)

	a1, k1, err := w1.DeriveAddress(CoinTypeKlaytn, 7)
	require.NoError(t, err)
	a2, k2, err := w2.DeriveAddress(CoinTypeKlaytn, 7)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Equal(t, k1, k2)
	assert.Len(t, a1, 42)

	other, _, err := w1.DeriveAddress(CoinTypeKlaytn, 8)
	require.NoError(t, err)
	assert.NotEqual(t, a1, other)
}

func TestDeriveECDSA_MatchesAddress(t *testing.T) {
	w, err := New(testMnemonic, &chaincfg.MainNetParams)
	require.NoError(t, err)

	addr, _, err := w.DeriveAddress(CoinTypeKlaytn, 3)
	require.NoError(t, err)
	key, err := w.DeriveECDSA(CoinTypeKlaytn, 3)
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(key.PublicKey).Hex())

	_, err = w.DeriveECDSA(CoinTypeBTC, 3)
	assert.ErrorIs(t, err, ErrInvalidCoinType)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("", &chaincfg.MainNetParams)
	assert.Error(t, err)
	_, err = New("not a real mnemonic phrase", &chaincfg.MainNetParams)
	assert.Error(t, err)

	w, err := New(testMnemonic, &chaincfg.MainNetParams)
	require.NoError(t, err)
	_, _, err = w.DeriveAddress(50, 1)
	assert.ErrorIs(t, err, ErrInvalidCoinType)
}
