package otp

import (
	"errors"

	"github.com/go-authgate/storefront-cli/api"
)

var (
	ErrBusy               = errors.New("another request is in progress")
	ErrCooldownActive     = errors.New("resend cooldown has not finished")
	ErrClosed             = errors.New("login flow closed")
	ErrAbandoned          = errors.New("login attempt was reset")
	ErrNoSession          = errors.New("no passcode has been sent")
	ErrMissingSessionID   = errors.New("response carried no session id")
	ErrMissingAccessToken = errors.New("response carried no access token")
)

// RejectedError is a well-formed envelope with success set to false.
type RejectedError struct {
	Message string
	Status  int
	Errors  map[string][]string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "request rejected"
	}
	return "request rejected: " + e.Message
}

// Message returns a short, human-readable description of err.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return inputErr.Message
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		if rejected.Message != "" {
			return rejected.Message
		}
		return api.FallbackMessage
	}

	switch {
	case errors.Is(err, ErrBusy):
		return "Please wait for the current request to finish."
	case errors.Is(err, ErrCooldownActive):
		return "Please wait before requesting a new code."
	case errors.Is(err, ErrNoSession):
		return "Request a code first."
	case errors.Is(err, ErrMissingSessionID):
		return "Could not send the code. Please try again."
	case errors.Is(err, ErrMissingAccessToken):
		return "Verification failed. Please try again."
	case errors.Is(err, ErrClosed), errors.Is(err, ErrAbandoned):
		return "Login was cancelled."
	}

	return api.UserMessage(err)
}
