package klaytn

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
	"planpay.com/pkg/retry"
	"planpay.com/pkg/safe"
)

const (
	nativeDecimals  = 18
	defaultGasLimit = 21000
)

type Config struct {
	RPC           string // http(s) 节点，用于查询和广播
	WS            string // websocket 节点，用于新区块订阅
	MasterAddress string // 归集目标地址
	GasLimit      uint64
	CallTimeout   time.Duration
	Symbol        string
}

// KeyLookup 根据收款地址找到签名私钥 (归集时使用)
type KeyLookup interface {
	PrivateKeyFor(ctx context.Context, address string) (*ecdsa.PrivateKey, error)
}

// Adapter Klaytn 节点适配器 (兼容 eth_ 命名空间)
type Adapter struct {
	cfg     Config
	client  *ethclient.Client
	ws      *ethclient.Client
	chainID *big.Int
	keys    KeyLookup
}

var (
	_ domain.LedgerClient = (*Adapter)(nil)
	_ domain.HeadSource   = (*Adapter)(nil)
)

func New(ctx context.Context, cfg Config, keys KeyLookup) (*Adapter, error) {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "KLAY"
	}
	client, err := ethclient.DialContext(ctx, cfg.RPC)
	if err != nil {
		return nil, fmt.Errorf("dial klaytn rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	a := &Adapter{cfg: cfg, client: client, chainID: chainID, keys: keys}
	if cfg.WS != "" {
		if a.ws, err = ethclient.DialContext(ctx, cfg.WS); err != nil {
			return nil, fmt.Errorf("dial klaytn ws: %w", err)
		}
	}
	return a, nil
}

func (a *Adapter) Close() {
	a.client.Close()
	if a.ws != nil {
		a.ws.Close()
	}
}

func (a *Adapter) Symbol() string { return a.cfg.Symbol }

func (a *Adapter) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.CallTimeout)
}

func (a *Adapter) CurrentHeight(ctx context.Context) (int64, error) {
	ctx, cancel := a.timeout(ctx)
	defer cancel()
	h, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, classify("block number", err)
	}
	return int64(h), nil
}

func (a *Adapter) GetBlock(ctx context.Context, height int64) (*domain.BlockRef, error) {
	ctx, cancel := a.timeout(ctx)
	defer cancel()
	header, err := a.client.HeaderByNumber(ctx, big.NewInt(height))
	if err != nil {
		return nil, classify("header by number", err)
	}
	return &domain.BlockRef{Height: height, Hash: header.Hash().Hex()}, nil
}

// GetTransactionCount ethclient 只提供按 hash 查询，这里直接走 RPC
func (a *Adapter) GetTransactionCount(ctx context.Context, height int64) (int, error) {
	ctx, cancel := a.timeout(ctx)
	defer cancel()
	var n *hexutil.Uint
	err := a.client.Client().CallContext(ctx, &n, "eth_getBlockTransactionCountByNumber", hexutil.EncodeBig(big.NewInt(height)))
	if err != nil {
		return 0, classify("tx count", err)
	}
	if n == nil {
		// 节点还没看到这个块
		return 0, retry.Transient(fmt.Errorf("block %d not yet available", height))
	}
	return int(*n), nil
}

// GetBlockReceipts 拉取区块交易和收据，只保留执行成功的原生币转账
func (a *Adapter) GetBlockReceipts(ctx context.Context, hash string) ([]domain.Transfer, error) {
	ctx, cancel := a.timeout(ctx)
	defer cancel()
	h := common.HexToHash(hash)
	block, err := a.client.BlockByHash(ctx, h)
	if err != nil {
		return nil, classify("block by hash", err)
	}
	receipts, err := a.client.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(h, false))
	if err != nil {
		return nil, classify("block receipts", err)
	}
	return extractTransfers(types.LatestSignerForChainID(a.chainID), block.Transactions(), receipts)
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	ctx, cancel := a.timeout(ctx)
	defer cancel()
	wei, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, classify("balance", err)
	}
	return weiToDecimal(wei, nativeDecimals), nil
}

// SweepToMaster 扣除手续费后把余额全部转到主钱包，余额不足手续费时不发交易
func (a *Adapter) SweepToMaster(ctx context.Context, address string) (string, error) {
	if a.cfg.MasterAddress == "" {
		return "", retry.Permanent(errors.New("master address not configured"))
	}
	key, err := a.keys.PrivateKeyFor(ctx, address)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("load key for %s: %w", address, err))
	}

	ctx, cancel := a.timeout(ctx)
	defer cancel()
	from := common.HexToAddress(address)
	balance, err := a.client.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", classify("balance", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", classify("gas price", err)
	}
	value, ok := sweepValue(balance, gasPrice, a.cfg.GasLimit)
	if !ok {
		logger.Info(ctx, "balance below sweep fee, skip", zap.String("address", address), zap.String("balance", balance.String()))
		return "", nil
	}
	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", classify("nonce", err)
	}
	to := common.HexToAddress(a.cfg.MasterAddress)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      a.cfg.GasLimit,
		To:       &to,
		Value:    value,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), key)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("sign sweep: %w", err))
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", classify("send sweep", err)
	}
	logger.Info(ctx, "sweep broadcast",
		zap.String("from", address),
		zap.String("to", a.cfg.MasterAddress),
		zap.String("value", weiToDecimal(value, nativeDecimals).String()),
		zap.String("hash", signed.Hash().Hex()))
	return signed.Hash().Hex(), nil
}

// SubscribeHeads 订阅新区块头，只把高度转发出去
func (a *Adapter) SubscribeHeads(ctx context.Context, ch chan<- int64) (domain.Subscription, error) {
	if a.ws == nil {
		return nil, retry.Permanent(errors.New("websocket endpoint not configured"))
	}
	headers := make(chan *types.Header, 16)
	sub, err := a.ws.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, classify("subscribe heads", err)
	}
	safe.GoCtx(ctx, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Err():
				return
			case h := <-headers:
				select {
				case ch <- h.Number.Int64():
				case <-ctx.Done():
					return
				}
			}
		}
	})
	return sub, nil
}

func extractTransfers(signer types.Signer, txs types.Transactions, receipts []*types.Receipt) ([]domain.Transfer, error) {
	if len(receipts) != len(txs) {
		return nil, retry.Transient(fmt.Errorf("receipts mismatch: %d txs, %d receipts", len(txs), len(receipts)))
	}
	out := make([]domain.Transfer, 0)
	for i, tx := range txs {
		if receipts[i].Status != types.ReceiptStatusSuccessful {
			continue
		}
		// 只要原生币转账：有接收方、有金额、没有调用数据
		if tx.To() == nil || tx.Value().Sign() <= 0 || len(tx.Data()) > 0 {
			continue
		}
		from, err := types.Sender(signer, tx)
		if err != nil {
			continue
		}
		out = append(out, domain.Transfer{
			TxHash:  strings.ToLower(tx.Hash().Hex()),
			TxIndex: i,
			From:    domain.NormalizeAddress(from.Hex()),
			To:      domain.NormalizeAddress(tx.To().Hex()),
			Amount:  weiToDecimal(tx.Value(), nativeDecimals),
		})
	}
	return out, nil
}

func sweepValue(balance, gasPrice *big.Int, gasLimit uint64) (*big.Int, bool) {
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if balance.Cmp(fee) <= 0 {
		return nil, false
	}
	return new(big.Int).Sub(balance, fee), true
}

func weiToDecimal(wei *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(wei, 0).Shift(-decimals)
}

// classify 节点返回的业务错误不重试，网络类错误可重试
func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, ethereum.NotFound) {
		return retry.Permanent(wrapped)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return retry.Transient(wrapped)
		}
		return retry.Permanent(wrapped)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		// -32005 limit exceeded
		if rpcErr.ErrorCode() == -32005 {
			return retry.Transient(wrapped)
		}
		return retry.Permanent(wrapped)
	}
	return retry.Transient(wrapped)
}
