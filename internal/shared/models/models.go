package models

import (
	"encoding/json"
	"time"
)

// Tier selects which rate table applies to a credential
type Tier string

const (
	TierNormal Tier = "normal"
	TierSuper  Tier = "super"
)

// ParseTier maps a free-form tier name onto a Tier, defaulting to normal
func ParseTier(s string) Tier {
	if s == string(TierSuper) {
		return TierSuper
	}
	return TierNormal
}

// TokenEntry is one credential bound to one model bucket.
// Timestamps are Unix milliseconds.
type TokenEntry struct {
	Credential      string `json:"token"`
	MaxRequestCount int    `json:"maxRequestCount"`
	RequestCount    int    `json:"requestCount"`
	AddedAt         int64  `json:"addedTime"`
	StartCallAt     *int64 `json:"startCallTime"`
	Tier            Tier   `json:"type"`
}

// TokenStatus is the reported validity of a credential within a bucket
type TokenStatus struct {
	IsValid           bool   `json:"isValid"`
	InvalidatedAt     *int64 `json:"invalidatedTime"`
	TotalRequestCount int    `json:"totalRequestCount"`
	IsSuper           bool   `json:"isSuper"`
}

// ExpiredEntry is a quarantined credential awaiting reactivation
type ExpiredEntry struct {
	Credential string `json:"token"`
	Bucket     string `json:"model"`
	ExpiredAt  int64  `json:"expiredTime"`
	Tier       Tier   `json:"type"`
}

// CallEvent is one entry of a usage record's history
type CallEvent struct {
	Timestamp int64  `json:"timestamp"`
	Success   bool   `json:"success"`
	Model     string `json:"model"`
}

// UsageRecord aggregates calls made with a credential against a bucket
type UsageRecord struct {
	TotalCalls   int         `json:"total_calls"`
	SuccessCalls int         `json:"successful_calls"`
	FailCalls    int         `json:"failed_calls"`
	LastCallAt   *int64      `json:"last_call_time"`
	History      []CallEvent `json:"call_history"`
}

// RateLimit is the request budget and reset window of a bucket for one tier.
// In JSON the window is written as whole milliseconds under expirationMs.
type RateLimit struct {
	RequestFrequency int           `yaml:"request_frequency" json:"requestFrequency"`
	Expiration       time.Duration `yaml:"expiration" json:"-"`
}

type rateLimitJSON struct {
	RequestFrequency int   `json:"requestFrequency"`
	ExpirationMs     int64 `json:"expirationMs"`
}

func (l RateLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal(rateLimitJSON{RequestFrequency: l.RequestFrequency, ExpirationMs: l.Expiration.Milliseconds()})
}

func (l *RateLimit) UnmarshalJSON(data []byte) error {
	var raw rateLimitJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.RequestFrequency = raw.RequestFrequency
	l.Expiration = time.Duration(raw.ExpirationMs) * time.Millisecond
	return nil
}

// RateTables holds the per-tier rate configuration keyed by bucket
type RateTables struct {
	Normal map[string]RateLimit `yaml:"normal"`
	Super  map[string]RateLimit `yaml:"super"`
}

// For returns the table of the given tier
func (t RateTables) For(tier Tier) map[string]RateLimit {
	if tier == TierSuper {
		return t.Super
	}
	return t.Normal
}

// GatewayLog represents a chat completion request log entry
type GatewayLog struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Bucket       string    `json:"bucket"`
	CredentialID string    `json:"credential_id"`
	Stream       bool      `json:"stream"`
	Attempts     int       `json:"attempts"`
	LatencyMs    int       `json:"latency_ms"`
	StatusCode   int       `json:"status_code"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
