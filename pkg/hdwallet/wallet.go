// Package hdwallet 按 BIP44 从助记词派生收款地址
package hdwallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// SLIP-44 币种编号
const (
	CoinTypeBTC    uint32 = 0
	CoinTypeETH    uint32 = 60
	CoinTypeKlaytn uint32 = 8217
)

var ErrInvalidCoinType = errors.New("invalid coin type")

type HDWallet struct {
	masterKey *hdkeychain.ExtendedKey
	btcParams *chaincfg.Params
}

// New 传入助记词和网络参数
func New(mnemonic string, netParams *chaincfg.Params) (*HDWallet, error) {
	if mnemonic == "" {
		return nil, errors.New("mnemonic cannot be empty")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	extendKey, err := hdkeychain.NewMaster(seed, netParams)
	if err != nil {
		return nil, err
	}
	return &HDWallet{
		masterKey: extendKey,
		btcParams: netParams,
	}, nil
}

// derive 按 m / 44' / coin_type' / 0' / 0 / index 逐级派生
func (w *HDWallet) derive(coinType uint32, index uint32) (*btcec.PrivateKey, error) {
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		coinType + hdkeychain.HardenedKeyStart,
		0 + hdkeychain.HardenedKeyStart,
		0,
		index,
	}
	key := w.masterKey
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	return key.ECPrivKey()
}

// DeriveAddress 返回地址和私钥 hex (私钥只给归集使用，不要外传)
func (w *HDWallet) DeriveAddress(coinType uint32, index uint32) (string, string, error) {
	privKey, err := w.derive(coinType, index)
	if err != nil {
		return "", "", err
	}
	address, err := w.GetAddress(coinType, privKey)
	if err != nil {
		return "", "", err
	}
	return address, fmt.Sprintf("%x", privKey.Serialize()), nil
}

// DeriveECDSA 返回 EVM 系链 (ETH / Klaytn) 的签名私钥
func (w *HDWallet) DeriveECDSA(coinType uint32, index uint32) (*ecdsa.PrivateKey, error) {
	if coinType != CoinTypeETH && coinType != CoinTypeKlaytn {
		return nil, ErrInvalidCoinType
	}
	privKey, err := w.derive(coinType, index)
	if err != nil {
		return nil, err
	}
	return privKey.ToECDSA(), nil
}

func (w *HDWallet) GetAddress(coinType uint32, privKey *btcec.PrivateKey) (string, error) {
	switch coinType {
	case CoinTypeBTC:
		// SegWit (p2wpkh)
		pkh, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(privKey.PubKey().SerializeCompressed()),
			w.btcParams,
		)
		if err != nil {
			return "", err
		}
		return pkh.EncodeAddress(), nil
	case CoinTypeETH, CoinTypeKlaytn:
		return crypto.PubkeyToAddress(privKey.ToECDSA().PublicKey).Hex(), nil
	default:
		return "", ErrInvalidCoinType
	}
}
