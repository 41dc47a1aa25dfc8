package otp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidPhone is wrapped by InputError for a bad phone number.
	ErrInvalidPhone = errors.New("invalid phone number")

	// ErrInvalidCode is wrapped by InputError for a bad passcode.
	ErrInvalidCode = errors.New("invalid passcode")
)

// InputError reports user input rejected before any network call.
type InputError struct {
	Field   string
	Message string
	Err     error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("digits", validateDigits)
	return v
}

// validateDigits accepts ASCII digits only, unlike the built-in numeric tag
// which also allows signs and decimal points.
func validateDigits(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// NormalizePhone strips spaces and dashes the user may have typed.
func NormalizePhone(raw string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
}

func (f *Flow) checkPhone(phone string) error {
	err := f.validate.Var(phone, fmt.Sprintf("required,digits,len=%d", f.phoneDigits))
	if err == nil {
		return nil
	}
	return &InputError{
		Field:   "phoneNumber",
		Message: fmt.Sprintf("Enter a valid %d-digit phone number.", f.phoneDigits),
		Err:     errors.Join(ErrInvalidPhone, err),
	}
}

func (f *Flow) checkCode(code string) error {
	err := f.validate.Var(code, fmt.Sprintf("required,digits,len=%d", f.codeDigits))
	if err == nil {
		return nil
	}
	return &InputError{
		Field:   "otp",
		Message: fmt.Sprintf("Enter the %d-digit code.", f.codeDigits),
		Err:     errors.Join(ErrInvalidCode, err),
	}
}
