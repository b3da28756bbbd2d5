package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimit_JSONUsesMilliseconds(t *testing.T) {
	data, err := json.Marshal(RateLimit{RequestFrequency: 20, Expiration: 2 * time.Hour})
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestFrequency":20,"expirationMs":7200000}`, string(data))

	var limit RateLimit
	require.NoError(t, json.Unmarshal([]byte(`{"requestFrequency":3,"expirationMs":1500}`), &limit))
	assert.Equal(t, RateLimit{RequestFrequency: 3, Expiration: 1500 * time.Millisecond}, limit)
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierSuper, ParseTier("super"))
	assert.Equal(t, TierNormal, ParseTier("normal"))
	assert.Equal(t, TierNormal, ParseTier(""))
}
