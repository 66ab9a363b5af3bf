package octet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
	"planpay.com/pkg/ratelimit"
	"planpay.com/pkg/retry"
)

const breakerName = "octet"

type Config struct {
	BaseURL   string
	Token     string
	Coin      string
	RateLimit float64 // 每秒请求数
	Burst     int
	Timeout   time.Duration
}

// Client 托管方 REST 接口：新地址、充值计数、充值列表
type Client struct {
	cfg      Config
	hc       *http.Client
	breakers *ratelimit.Manager
	limiter  *ratelimit.Store
}

var (
	_ domain.KeySource       = (*Client)(nil)
	_ domain.DepositProvider = (*Client)(nil)
)

func New(cfg Config, breakers *ratelimit.Manager) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RateLimit)
	}
	if breakers == nil {
		breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	return &Client{
		cfg:      cfg,
		hc:       &http.Client{Timeout: cfg.Timeout},
		breakers: breakers,
		limiter:  ratelimit.NewStore(rate.Limit(cfg.RateLimit), cfg.Burst, 0),
	}
}

type addressResp struct {
	Address string `json:"address"`
	Index   int64  `json:"index"`
}

type countResp struct {
	Count int64 `json:"count"`
}

type depositItem struct {
	ID          int64     `json:"id"`
	Coin        string    `json:"coin"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash"`
	BlockNumber int64     `json:"blockNumber"`
	CreatedAt   time.Time `json:"createdAt"`
}

type depositsResp struct {
	Deposits []depositItem `json:"deposits"`
}

// StartJanitor 清理长时间没有请求的限流器
func (c *Client) StartJanitor(ctx context.Context) {
	c.limiter.StartJanitor(ctx, time.Minute)
}

// NewKeypair 托管方分配地址，position 只作参考，以返回的 index 为准
func (c *Client) NewKeypair(ctx context.Context, position int64) (*domain.Keypair, error) {
	var out addressResp
	body := map[string]interface{}{"coin": c.cfg.Coin}
	if err := c.do(ctx, http.MethodPost, "/address", nil, body, &out); err != nil {
		return nil, err
	}
	if out.Address == "" {
		return nil, retry.Permanent(fmt.Errorf("octet returned empty address"))
	}
	return &domain.Keypair{Address: domain.NormalizeAddress(out.Address), Position: out.Index}, nil
}

func (c *Client) DepositCount(ctx context.Context, address string) (int64, error) {
	var out countResp
	q := url.Values{"address": {address}}
	if err := c.do(ctx, http.MethodGet, "/deposits/count", q, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) ListDeposits(ctx context.Context, address string, since *time.Time) ([]domain.DepositCandidate, error) {
	q := url.Values{"address": {address}}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var out depositsResp
	if err := c.do(ctx, http.MethodGet, "/deposits", q, nil, &out); err != nil {
		return nil, err
	}
	res := make([]domain.DepositCandidate, 0, len(out.Deposits))
	for _, d := range out.Deposits {
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil {
			logger.Warn(ctx, "skip octet deposit with bad amount", zap.Int64("id", d.ID), zap.String("amount", d.Amount))
			continue
		}
		res = append(res, domain.DepositCandidate{
			ExternalID:  d.ID,
			Source:      domain.SourceProvider,
			CoinSymbol:  d.Coin,
			FromAddress: domain.NormalizeAddress(d.From),
			ToAddress:   domain.NormalizeAddress(d.To),
			Amount:      amount,
			TxHash:      strings.ToLower(d.TxHash),
			BlockHeight: d.BlockNumber,
			ObservedAt:  d.CreatedAt,
		})
	}
	return res, nil
}

// do 限流 -> 熔断 -> HTTP，5xx / 429 / 网络错误标记为可重试
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx, path); err != nil {
		return retry.Transient(err)
	}
	_, err := ratelimit.Execute(ctx, c.breakers, breakerName, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, path, q, body, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, q url.Values, body, out interface{}) error {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("octet %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return retry.Transient(fmt.Errorf("octet read body: %w", err))
	}
	if resp.StatusCode >= 300 {
		e := fmt.Errorf("octet %s %s: status %s: %s", method, path, strconv.Itoa(resp.StatusCode), truncate(raw, 256))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.Transient(e)
		}
		return retry.Permanent(e)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return retry.Permanent(fmt.Errorf("octet decode %s: %w", path, err))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
