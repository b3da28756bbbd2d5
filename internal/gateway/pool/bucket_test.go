package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"grok-3", "grok-3"},
		{"grok-3-search", "grok-3"},
		{"grok-3-imageGen", "grok-3"},
		{"grok-4-imageGen", "grok-4"},
		{"grok-3-deepsearch", "grok-3-deepsearch"},
		{"grok-3-deepersearch", "grok-3-deepersearch"},
		{"grok-3-reasoning", "grok-3-reasoning"},
		{"grok-4-reasoning", "grok-4-reasoning"},
		{"grok", "grok"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := NormalizeModel(tt.model)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizeModel(got), "normalizing twice changes nothing")
		})
	}
}

func TestSSOID(t *testing.T) {
	assert.Equal(t, "abc", SSOID("sso-rw=abc;sso=abc"))
	assert.Equal(t, "abc", SSOID("sso=abc; sso-rw=abc"))
	assert.Equal(t, "opaque", SSOID("opaque"))
	assert.Equal(t, "sso-rw=abc;sso=abc", CredentialFromSSO("abc"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "abcdefgh", ShortID("abcdefghijk"))
	assert.Equal(t, "abcdefgh", ShortID("sso-rw=abcdefghijk;sso=abcdefghijk"))
}
