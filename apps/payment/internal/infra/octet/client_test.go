package octet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/ratelimit"
	"planpay.com/pkg/retry"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "secret", Coin: "KLAY", RateLimit: 1000, Burst: 1000},
		ratelimit.NewManager(ratelimit.Rule{TripConsecutiveFailures: 100}, nil))
}

func TestClient_NewKeypair(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/address", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "KLAY", body["coin"])
		_, _ = w.Write([]byte(`{"address":"0xABCD","index":42}`))
	})

	kp, err := c.NewKeypair(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "0xabcd", kp.Address)
	assert.Equal(t, int64(42), kp.Position)
}

func TestClient_Deposits(t *testing.T) {
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/deposits/count":
			assert.Equal(t, "0xaa", r.URL.Query().Get("address"))
			_, _ = w.Write([]byte(`{"count":3}`))
		case "/deposits":
			assert.Equal(t, since.Format(time.RFC3339Nano), r.URL.Query().Get("since"))
			_, _ = w.Write([]byte(`{"deposits":[
				{"id":555,"coin":"KLAY","from":"0xF","to":"0xAA","amount":"100.0000","txHash":"0xABC","blockNumber":9,"createdAt":"2026-02-02T00:00:00Z"},
				{"id":556,"coin":"KLAY","to":"0xAA","amount":"oops"}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	n, err := c.DepositCount(ctx, "0xaa")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	list, err := c.ListDeposits(ctx, "0xaa", &since)
	require.NoError(t, err)
	require.Len(t, list, 1, "bad amount is skipped")
	d := list[0]
	assert.Equal(t, int64(555), d.ExternalID)
	assert.Equal(t, domain.SourceProvider, d.Source)
	assert.Equal(t, "0xaa", d.ToAddress)
	assert.Equal(t, "0xabc", d.TxHash)
	assert.Equal(t, "100", d.Amount.String())
}

func TestClient_ErrorClassification(t *testing.T) {
	var status atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	})
	ctx := context.Background()

	tests := []struct {
		code      int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		status.Store(int32(tt.code))
		_, err := c.DepositCount(ctx, "0xaa")
		require.Error(t, err)
		assert.Equal(t, tt.transient, retry.IsTransient(err), "status %d", tt.code)
	}
}
