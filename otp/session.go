package otp

import (
	"encoding/json"
	"strings"

	"github.com/go-authgate/storefront-cli/api"
)

// SessionIDFrom extracts the OTP session id from a send or resend response.
// The backend has returned it in two places; data.sessionId is checked first,
// then a top-level sessionId. Blank values count as absent.
func SessionIDFrom(env *api.Envelope[json.RawMessage]) string {
	if env == nil {
		return ""
	}
	if id := stringField(env.Data, "sessionId"); id != "" {
		return id
	}
	return stringField(env.Raw, "sessionId")
}

// cooldownFrom reads data.resendCooldownSeconds, or returns 0.
func cooldownFrom(env *api.Envelope[json.RawMessage]) int {
	var data struct {
		ResendCooldownSeconds int `json:"resendCooldownSeconds"`
	}
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &data) != nil {
		return 0
	}
	if data.ResendCooldownSeconds < 0 {
		return 0
	}
	return data.ResendCooldownSeconds
}

func stringField(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	var s string
	if json.Unmarshal(obj[key], &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
