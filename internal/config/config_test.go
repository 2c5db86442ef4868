package config

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestValidateAcceptsEOAWithoutFunder(t *testing.T) {
	c := &Config{PrivateKey: testKey, SignatureType: 0}
	assert.NoError(t, c.Validate())
}

func TestValidateRequiresPrivateKey(t *testing.T) {
	c := &Config{SignatureType: 0}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLY_PRIVATE_KEY")
}

func TestValidateRejectsShortKey(t *testing.T) {
	c := &Config{PrivateKey: "abc123", SignatureType: 0}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestValidateProxySignersNeedAFunder(t *testing.T) {
	for _, sigType := range []int{1, 2} {
		c := &Config{PrivateKey: testKey, SignatureType: sigType}
		err := c.Validate()
		require.Error(t, err, "sig type %d", sigType)
		assert.Contains(t, err.Error(), "POLY_FUNDER")

		c.Funder = "0x92ae5a3c9a37ba74b86f6cdff8fc1a5c1fb76db3"
		assert.NoError(t, c.Validate(), "sig type %d", sigType)
	}
}

func TestValidateRejectsUnknownSignatureType(t *testing.T) {
	c := &Config{PrivateKey: testKey, SignatureType: 7}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLY_SIG_TYPE")
}

func TestValidateRejectsBareFunderAddress(t *testing.T) {
	c := &Config{PrivateKey: testKey, SignatureType: 1, Funder: "92ae5a3c9a37ba74b86f6cdff8fc1a5c1fb76db3"}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x address")
}

func TestLoadStripsKeyPrefixAndDefaults(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", "0x"+testKey)
	t.Setenv("POLY_SIG_TYPE", "0")
	t.Setenv("TELEGRAM_CHAT_ID", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, testKey, cfg.PrivateKey, "0x prefix stripped")
	assert.Equal(t, "https://clob.polymarket.com", cfg.CLOBBaseURL)
	assert.Equal(t, "data/oraclebot.db", cfg.DatabaseURL)
	assert.True(t, cfg.Bankroll.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 0.60, cfg.Strategy.MinConfidence)
	assert.Equal(t, 0.25, cfg.Risk.KellyFraction)
	assert.Equal(t, []string{"5m", "15m", "30m", "1h"}, cfg.Arb.Timeframes)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", testKey)
	t.Setenv("POLY_SIG_TYPE", "0")
	t.Setenv("BANKROLL", "1250.50")
	t.Setenv("MIN_CONFIDENCE", "0.75")
	t.Setenv("ARB_TIMEFRAMES", " 15m , 1h ")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123456")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "1250.5", cfg.Bankroll.String())
	assert.Equal(t, 0.75, cfg.Strategy.MinConfidence)
	assert.Equal(t, []string{"15m", "1h"}, cfg.Arb.Timeframes, "list entries trimmed")
	assert.Equal(t, int64(-100123456), cfg.TelegramChatID)
}

func TestLoadRejectsMalformedChatID(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", testKey)
	t.Setenv("POLY_SIG_TYPE", "0")
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "TELEGRAM_CHAT_ID"))
}
