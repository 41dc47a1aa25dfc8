// Package otp drives the passcode login: send a code to a phone number, verify
// it to obtain tokens, and resend it once the cooldown allows.
package otp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/go-authgate/storefront-cli/api"
	"github.com/go-authgate/storefront-cli/cooldown"
)

// Wire paths, relative to the API root.
const (
	PathSendOTP   = "/auth/send-otp"
	PathVerifyOTP = "/auth/verify-otp"
	PathResendOTP = "/auth/resend-otp"
)

// Input lengths used unless overridden with WithPhoneDigits or WithCodeDigits.
const (
	DefaultPhoneDigits = 10
	DefaultCodeDigits  = 6
)

// State is the flow's position in the login.
type State int

const (
	Idle State = iota
	Sending
	Sent
	Verifying
	Verified
	Resending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case Verifying:
		return "verifying"
	case Verified:
		return "verified"
	case Resending:
		return "resending"
	}
	return "unknown"
}

// Handle binds one login attempt to the server's session. It lives in memory
// only.
type Handle struct {
	SessionID   string
	PhoneNumber string
	IssuedAt    time.Time
	Cooldown    time.Duration
}

// VerifyResult is returned by a successful verification. StorageErr is set
// when the tokens are live in memory but could not be persisted.
type VerifyResult struct {
	User       json.RawMessage
	StorageErr error
}

// Transport posts JSON and resolves to an envelope. *api.Client satisfies it.
type Transport interface {
	Post(ctx context.Context, path string, body any, opts ...api.CallOption) (*api.Envelope[json.RawMessage], error)
}

// TokenSetter commits verified tokens. *session.Manager satisfies it.
type TokenSetter interface {
	SetTokens(ctx context.Context, access, refresh string) error
}

// Flow is the login state machine. At most one operation runs at a time;
// a concurrent call fails with ErrBusy.
type Flow struct {
	client   Transport
	tokens   TokenSetter
	timer    *cooldown.Timer
	validate *validator.Validate
	log      *logrus.Entry
	now      func() time.Time

	phoneDigits     int
	codeDigits      int
	defaultCooldown int
	onCodeReset     func()

	mu      sync.Mutex
	state   State
	handle  *Handle
	lastErr error
	busy    bool
	closed  bool
	epoch   uint64 // bumped by Reset; results from an older epoch are dropped
}

// Option configures a Flow.
type Option func(*Flow)

// WithLogger sets the logger for flow events.
func WithLogger(log *logrus.Entry) Option {
	return func(f *Flow) { f.log = log }
}

// WithPhoneDigits sets the required phone number length.
func WithPhoneDigits(n int) Option {
	return func(f *Flow) {
		if n > 0 {
			f.phoneDigits = n
		}
	}
}

// WithCodeDigits sets the required passcode length.
func WithCodeDigits(n int) Option {
	return func(f *Flow) {
		if n > 0 {
			f.codeDigits = n
		}
	}
}

// WithDefaultCooldown sets the cooldown, in seconds, used when the server
// does not send one.
func WithDefaultCooldown(seconds int) Option {
	return func(f *Flow) {
		if seconds >= 0 {
			f.defaultCooldown = seconds
		}
	}
}

// WithTimer shares a cooldown timer with the screen that displays it.
func WithTimer(t *cooldown.Timer) Option {
	return func(f *Flow) { f.timer = t }
}

// OnCodeReset registers a hook that clears the entered code after a resend.
func OnCodeReset(fn func()) Option {
	return func(f *Flow) { f.onCodeReset = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// NewFlow creates an idle flow.
func NewFlow(client Transport, tokens TokenSetter, opts ...Option) *Flow {
	f := &Flow{
		client:          client,
		tokens:          tokens,
		validate:        newValidator(),
		now:             time.Now,
		phoneDigits:     DefaultPhoneDigits,
		codeDigits:      DefaultCodeDigits,
		defaultCooldown: cooldown.DefaultSeconds,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.timer == nil {
		f.timer = cooldown.New()
	}
	if f.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		f.log = logrus.NewEntry(l)
	}
	return f
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Handle returns a copy of the current session handle.
func (f *Flow) Handle() (Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == nil {
		return Handle{}, false
	}
	return *f.handle, true
}

// LastError returns the error of the most recent failed operation, cleared by
// the next success.
func (f *Flow) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Busy reports whether an operation is in flight.
func (f *Flow) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

// Timer returns the resend cooldown timer.
func (f *Flow) Timer() *cooldown.Timer {
	return f.timer
}

// CanResend reports whether Resend would be attempted now.
func (f *Flow) CanResend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && !f.busy && f.state == Sent && f.timer.Ready()
}

// op is one in-flight operation.
type op struct {
	epoch uint64
}

// begin claims the flow for an operation, moving it to the transient state.
func (f *Flow) begin(transient State, allowed ...State) (op, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return op{}, ErrClosed
	}
	if f.busy {
		return op{}, ErrBusy
	}
	ok := false
	for _, s := range allowed {
		if f.state == s {
			ok = true
			break
		}
	}
	if !ok {
		return op{}, ErrNoSession
	}

	o := op{epoch: f.epoch}
	f.busy = true
	f.state = transient
	return o, nil
}

// finish applies fn under the lock unless the flow was closed or reset while
// the operation was in flight.
func (f *Flow) finish(o op, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if o.epoch != f.epoch {
		return ErrAbandoned
	}
	f.busy = false
	fn()
	return nil
}

// alive reports whether o may still apply its result.
func (f *Flow) alive(o op) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if o.epoch != f.epoch {
		return ErrAbandoned
	}
	return nil
}

// rejectInput records a validation failure without touching the network.
func (f *Flow) rejectInput(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.busy {
		return ErrBusy
	}
	f.lastErr = err
	return err
}

// Send requests a passcode for phone. A success binds a new handle,
// superseding any earlier one, and starts the resend cooldown.
func (f *Flow) Send(ctx context.Context, phone string) (*Handle, error) {
	phone = NormalizePhone(phone)
	if err := f.checkPhone(phone); err != nil {
		return nil, f.rejectInput(err)
	}

	o, err := f.begin(Sending, Idle, Sent)
	if err != nil {
		return nil, err
	}

	log := f.log.WithField("phone", maskPhone(phone))
	log.Debug("Sending passcode")

	env, err := f.client.Post(ctx, PathSendOTP, map[string]string{"phoneNumber": phone}, api.SkipAuth())
	err = envelopeErr(env, err)

	var sessionID string
	if err == nil {
		if sessionID = SessionIDFrom(env); sessionID == "" {
			err = ErrMissingSessionID
		}
	}

	if err != nil {
		log.WithError(err).Info("Send passcode failed")
		if ferr := f.finish(o, func() {
			f.state = Idle
			f.handle = nil
			f.lastErr = err
			f.timer.Stop()
		}); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	seconds := f.cooldownSeconds(env)
	h := &Handle{
		SessionID:   sessionID,
		PhoneNumber: phone,
		IssuedAt:    f.now(),
		Cooldown:    time.Duration(seconds) * time.Second,
	}

	if ferr := f.finish(o, func() {
		f.state = Sent
		f.handle = h
		f.lastErr = nil
		f.timer.Start(seconds)
	}); ferr != nil {
		return nil, ferr
	}

	log.WithField("cooldown", seconds).Info("Passcode sent")
	out := *h
	return &out, nil
}

// Verify exchanges sessionID and code for tokens. Committing the tokens is
// the only side effect; on failure the handle stays valid for another try.
func (f *Flow) Verify(ctx context.Context, sessionID, code string) (*VerifyResult, error) {
	if err := f.checkCode(code); err != nil {
		return nil, f.rejectInput(err)
	}
	if sessionID == "" {
		return nil, f.rejectInput(ErrMissingSessionID)
	}

	o, err := f.begin(Verifying, Sent)
	if err != nil {
		return nil, err
	}

	env, err := f.client.Post(ctx, PathVerifyOTP, map[string]string{
		"sessionId": sessionID,
		"otp":       code,
	})
	err = envelopeErr(env, err)

	var data struct {
		AccessToken  string          `json:"accessToken"`
		RefreshToken string          `json:"refreshToken"`
		User         json.RawMessage `json:"user"`
	}
	if err == nil {
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &data)
		}
		if data.AccessToken == "" {
			err = ErrMissingAccessToken
		}
	}

	if err != nil {
		f.log.WithError(err).Info("Passcode verification failed")
		if ferr := f.finish(o, func() {
			f.state = Sent
			f.lastErr = err
		}); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	// Drop the result if the attempt was abandoned meanwhile.
	if ferr := f.alive(o); ferr != nil {
		return nil, ferr
	}

	result := &VerifyResult{User: data.User}
	if serr := f.tokens.SetTokens(ctx, data.AccessToken, data.RefreshToken); serr != nil {
		f.log.WithError(serr).Warn("Signed in, but credentials could not be saved")
		result.StorageErr = serr
	}

	// The tokens are committed now, so a late Close or Reset only skips the
	// state change.
	_ = f.finish(o, func() {
		f.state = Verified
		f.handle = nil
		f.lastErr = nil
	})
	f.timer.Stop()

	f.log.Info("Passcode verified")
	return result, nil
}

// Submit verifies code against the most recently issued session id.
func (f *Flow) Submit(ctx context.Context, code string) (*VerifyResult, error) {
	h, ok := f.Handle()
	if !ok {
		return nil, f.rejectInput(ErrNoSession)
	}
	return f.Verify(ctx, h.SessionID, code)
}

// Resend asks for a new passcode on the current session. It is refused
// without a network call while the cooldown is running.
func (f *Flow) Resend(ctx context.Context) (*Handle, error) {
	o, current, err := f.beginResend()
	if err != nil {
		return nil, err
	}

	env, err := f.client.Post(ctx, PathResendOTP, map[string]string{"sessionId": current.SessionID})
	err = envelopeErr(env, err)

	if err != nil {
		f.log.WithError(err).Info("Resend passcode failed")
		if ferr := f.finish(o, func() {
			f.state = Sent
			f.lastErr = err
		}); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	seconds := f.cooldownSeconds(env)
	h := current
	if id := SessionIDFrom(env); id != "" {
		h.SessionID = id
	}
	h.IssuedAt = f.now()
	h.Cooldown = time.Duration(seconds) * time.Second

	if ferr := f.finish(o, func() {
		f.state = Sent
		f.handle = &h
		f.lastErr = nil
		f.timer.Start(seconds)
	}); ferr != nil {
		return nil, ferr
	}

	if f.onCodeReset != nil {
		f.onCodeReset()
	}

	f.log.WithField("cooldown", seconds).Info("Passcode resent")
	out := h
	return &out, nil
}

func (f *Flow) beginResend() (op, Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.closed:
		return op{}, Handle{}, ErrClosed
	case f.busy:
		return op{}, Handle{}, ErrBusy
	case f.state != Sent || f.handle == nil:
		return op{}, Handle{}, ErrNoSession
	case !f.timer.Ready():
		return op{}, Handle{}, ErrCooldownActive
	}

	f.busy = true
	f.state = Resending
	return op{epoch: f.epoch}, *f.handle, nil
}

// Reset abandons the attempt. Any in-flight result is dropped.
func (f *Flow) Reset() {
	f.mu.Lock()
	f.epoch++
	f.busy = false
	f.state = Idle
	f.handle = nil
	f.lastErr = nil
	f.mu.Unlock()

	f.timer.Stop()
}

// Close detaches the flow. Later results are dropped and every call returns
// ErrClosed.
func (f *Flow) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.timer.Stop()
}

func (f *Flow) cooldownSeconds(env *api.Envelope[json.RawMessage]) int {
	if n := cooldownFrom(env); n > 0 {
		return n
	}
	return f.defaultCooldown
}

// envelopeErr folds a transport error and a success:false envelope into one
// error value.
func envelopeErr(env *api.Envelope[json.RawMessage], err error) error {
	if err != nil {
		return api.AsError(err)
	}
	if env == nil {
		return &api.Error{Message: api.FallbackMessage, Code: api.CodeInvalidResponse}
	}
	if !env.Success {
		return &RejectedError{
			Message: env.Text(),
			Status:  env.Status,
			Errors:  env.Errors,
		}
	}
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "******" + phone[len(phone)-4:]
}

// IsInputError reports whether err was raised by local validation.
func IsInputError(err error) bool {
	var inputErr *InputError
	return errors.As(err, &inputErr)
}
