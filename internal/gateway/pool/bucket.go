package pool

import (
	"strings"
	"time"

	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

// Variants carrying these markers have their own rate tables and never share the base bucket.
var dedicatedBucketMarkers = []string{"deepsearch", "deepersearch", "reasoning"}

// NormalizeModel maps a model name onto the rate-limiting bucket it shares.
// "grok-3-search" and "grok-3-imageGen" fold onto "grok-3"; "grok-3-deepsearch" stays as is.
func NormalizeModel(model string) string {
	for _, marker := range dedicatedBucketMarkers {
		if strings.Contains(model, marker) {
			return model
		}
	}
	parts := strings.SplitN(model, "-", 3)
	if len(parts) < 3 {
		return model
	}
	return parts[0] + "-" + parts[1]
}

// SSOID extracts the sso cookie value that identifies a credential.
// Credentials without an sso cookie are their own identity.
func SSOID(credential string) string {
	for _, part := range strings.Split(credential, ";") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "sso="); ok {
			return v
		}
	}
	return credential
}

// CredentialFromSSO builds the cookie pair the upstream expects for a bare sso value
func CredentialFromSSO(sso string) string {
	return "sso-rw=" + sso + ";sso=" + sso
}

// ShortID is the loggable prefix of a credential's sso id. Bare sso values work too.
func ShortID(credential string) string {
	sso := SSOID(credential)
	if len(sso) <= 8 {
		return sso
	}
	return sso[:8]
}

// DefaultRateTables returns the built-in per-tier budgets
func DefaultRateTables() models.RateTables {
	return models.RateTables{
		Normal: map[string]models.RateLimit{
			"grok-3":              {RequestFrequency: 20, Expiration: 2 * time.Hour},
			"grok-3-deepsearch":   {RequestFrequency: 10, Expiration: 2 * time.Hour},
			"grok-3-deepersearch": {RequestFrequency: 3, Expiration: 24 * time.Hour},
			"grok-3-reasoning":    {RequestFrequency: 10, Expiration: 2 * time.Hour},
		},
		Super: map[string]models.RateLimit{
			"grok-3":              {RequestFrequency: 100, Expiration: 2 * time.Hour},
			"grok-3-deepsearch":   {RequestFrequency: 30, Expiration: 2 * time.Hour},
			"grok-3-deepersearch": {RequestFrequency: 10, Expiration: 3 * time.Hour},
			"grok-3-reasoning":    {RequestFrequency: 30, Expiration: 2 * time.Hour},
			"grok-4":              {RequestFrequency: 20, Expiration: 3 * time.Hour},
		},
	}
}
