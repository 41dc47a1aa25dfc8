package tui

import (
	"time"

	"github.com/go-authgate/storefront-cli/otp"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ Server string }

// MsgAskPhone asks the user for a phone number.
type MsgAskPhone struct{}

// MsgSending signals that a passcode request is in flight.
type MsgSending struct{ Phone string }

// MsgCodeSent signals that the server issued a passcode session.
type MsgCodeSent struct{ Handle otp.Handle }

// MsgAskCode asks the user for the passcode.
type MsgAskCode struct{}

// MsgVerifying signals that the passcode is being checked.
type MsgVerifying struct{}

// MsgResending signals that a new passcode was requested.
type MsgResending struct{}

// MsgCodeResent signals that a new passcode was issued.
type MsgCodeResent struct{ Handle otp.Handle }

// MsgCodeReset clears the entered passcode.
type MsgCodeReset struct{}

// MsgCooldownActive signals that a resend was refused locally.
type MsgCooldownActive struct{ Remaining int }

// MsgFailed carries a recoverable failure for display.
type MsgFailed struct{ Message string }

// MsgTokenSaveFailed signals that tokens are live but were not persisted.
type MsgTokenSaveFailed struct{ Err error }

// MsgDone signals a completed sign-in.
type MsgDone struct {
	Preview   string
	ExpiresAt time.Time
}

// MsgFatal signals an error that ends the login.
type MsgFatal struct{ Err error }
