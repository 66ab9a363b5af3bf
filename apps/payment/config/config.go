package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"planpay.com/apps/payment/internal/domain"
)

// Config 对应 config/payment.yaml，环境变量 PAYMENT_* 可覆盖
type Config struct {
	Name string

	Log struct {
		Level string
		File  string
	}

	Mysql struct {
		DataSource  string
		MaxIdle     int
		MaxOpen     int
		MaxLifetime int // 秒
		LogSQL      bool
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
		PoolSize int
	}

	Nats struct {
		URL string
	}

	Klaytn struct {
		RPC           string
		WS            string
		Mnemonic      string
		MasterAddress string
		GasLimit      uint64
		Symbol        string
	}

	Octet struct {
		BaseURL   string
		Token     string
		Coin      string
		RateLimit float64
		Burst     int
		Timeout   time.Duration
	}

	Ingestion struct {
		Consumers         int
		MaxAttempts       int
		RetryBackoff      time.Duration
		TxCountRetryDelay time.Duration
		CallTimeout       time.Duration
		LeaderTTL         time.Duration
		ClaimIdle         time.Duration // 超过该时长未确认的区块任务由其他消费者接管
		ClaimInterval     time.Duration
	}

	Reconcile struct {
		Interval   time.Duration
		MaxRetries int // 实时流入账失败的转账最多重放次数
	}

	Expiry struct {
		Interval time.Duration
	}

	Payment struct {
		ReservationWindow time.Duration
		// 链 -> 每单位法币对应的链上币数量，例如 KLAYTN: "0.0125"
		Quotes map[string]string
	}

	Metrics struct {
		Addr string
	}

	Trace struct {
		Endpoint string
	}
}

// SetDefaults 零值字段填默认值
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "payment"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Mysql.MaxIdle <= 0 {
		c.Mysql.MaxIdle = 10
	}
	if c.Mysql.MaxOpen <= 0 {
		c.Mysql.MaxOpen = 100
	}
	if c.Mysql.MaxLifetime <= 0 {
		c.Mysql.MaxLifetime = 3600
	}
	if c.Ingestion.Consumers <= 0 {
		c.Ingestion.Consumers = 4
	}
	if c.Ingestion.MaxAttempts <= 0 {
		c.Ingestion.MaxAttempts = 3
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = time.Minute
	}
	if c.Reconcile.MaxRetries <= 0 {
		c.Reconcile.MaxRetries = 10
	}
	if c.Expiry.Interval <= 0 {
		c.Expiry.Interval = time.Minute
	}
	if c.Payment.ReservationWindow <= 0 {
		c.Payment.ReservationWindow = time.Hour
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

// QuoteRates 解析报价表，非法链名或数值直接报错
func (c *Config) QuoteRates() (map[domain.Chain]decimal.Decimal, error) {
	out := make(map[domain.Chain]decimal.Decimal, len(c.Payment.Quotes))
	for k, v := range c.Payment.Quotes {
		chain := domain.Chain(strings.ToUpper(k))
		if !chain.Valid() {
			return nil, fmt.Errorf("quote: unknown chain %q", k)
		}
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("quote %s: %w", k, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("quote %s: rate must be positive", k)
		}
		out[chain] = rate
	}
	return out, nil
}
