package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"planpay.com/apps/payment/internal/domain"
)

func TestSetDefaults(t *testing.T) {
	var c Config
	c.Ingestion.Consumers = 8
	c.SetDefaults()

	assert.Equal(t, "payment", c.Name)
	assert.Equal(t, 8, c.Ingestion.Consumers)
	assert.Equal(t, 3, c.Ingestion.MaxAttempts)
	assert.Equal(t, time.Hour, c.Payment.ReservationWindow)
	assert.Equal(t, 10, c.Reconcile.MaxRetries)
}

func TestQuoteRates(t *testing.T) {
	var c Config
	c.Payment.Quotes = map[string]string{"klaytn": "0.0125", "OCTET": "2"}
	rates, err := c.QuoteRates()
	require.NoError(t, err)
	assert.Equal(t, "0.0125", rates[domain.ChainKlaytn].String())
	assert.Equal(t, "2", rates[domain.ChainOctet].String())

	c.Payment.Quotes = map[string]string{"SOLANA": "1"}
	_, err = c.QuoteRates()
	assert.Error(t, err)

	c.Payment.Quotes = map[string]string{"KLAYTN": "-1"}
	_, err = c.QuoteRates()
	assert.Error(t, err)
}
