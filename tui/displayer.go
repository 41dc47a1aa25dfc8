package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/storefront-cli/otp"
)

// Displayer abstracts all output from the login.
type Displayer interface {
	Banner(server string)
	AskPhone()
	Sending(phone string)
	CodeSent(h otp.Handle)
	AskCode()
	Verifying()
	Resending()
	CodeResent(h otp.Handle)
	CodeReset()
	CooldownActive(remaining int)
	Failed(message string)
	TokenSaveFailed(err error)
	Done(preview string, expiresAt time.Time)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(server string) {
	fmt.Fprintln(p.w, "=== Storefront Sign In ===")
	fmt.Fprintf(p.w, "Server: %s\n", server)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) AskPhone() {
	fmt.Fprint(p.w, "Phone number: ")
}

func (p *PlainDisplayer) Sending(phone string) {
	fmt.Fprintf(p.w, "Sending code to %s...\n", phone)
}

func (p *PlainDisplayer) CodeSent(h otp.Handle) {
	fmt.Fprintln(p.w, "Code sent!")
	fmt.Fprintf(p.w, "You can request a new code in %s.\n", formatDuration(h.Cooldown))
}

func (p *PlainDisplayer) AskCode() {
	fmt.Fprint(p.w, "Enter code (or r to resend): ")
}

func (p *PlainDisplayer) Verifying() {
	fmt.Fprintln(p.w, "Verifying code...")
}

func (p *PlainDisplayer) Resending() {
	fmt.Fprintln(p.w, "Requesting a new code...")
}

func (p *PlainDisplayer) CodeResent(h otp.Handle) {
	fmt.Fprintln(p.w, "A new code was sent.")
	fmt.Fprintf(p.w, "You can request another in %s.\n", formatDuration(h.Cooldown))
}

func (p *PlainDisplayer) CodeReset() {}

func (p *PlainDisplayer) CooldownActive(remaining int) {
	fmt.Fprintf(p.w, "Please wait %ds before requesting a new code.\n", remaining)
}

func (p *PlainDisplayer) Failed(message string) {
	fmt.Fprintf(p.w, "%s\n", message)
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: signed in for this session only, failed to save tokens: %v\n", err)
}

func (p *PlainDisplayer) Done(preview string, expiresAt time.Time) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Signed in!")
	fmt.Fprintf(p.w, "Access Token: %s\n", preview)
	if !expiresAt.IsZero() {
		fmt.Fprintf(p.w, "Expires In: %s\n", formatDuration(time.Until(expiresAt)))
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)            {}
func (NoopDisplayer) AskPhone()                  {}
func (NoopDisplayer) Sending(_ string)           {}
func (NoopDisplayer) CodeSent(_ otp.Handle)      {}
func (NoopDisplayer) AskCode()                   {}
func (NoopDisplayer) Verifying()                 {}
func (NoopDisplayer) Resending()                 {}
func (NoopDisplayer) CodeResent(_ otp.Handle)    {}
func (NoopDisplayer) CodeReset()                 {}
func (NoopDisplayer) CooldownActive(_ int)       {}
func (NoopDisplayer) Failed(_ string)            {}
func (NoopDisplayer) TokenSaveFailed(_ error)    {}
func (NoopDisplayer) Done(_ string, _ time.Time) {}
func (NoopDisplayer) Fatal(_ error)              {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(server string) {
	t.p.Send(MsgBanner{Server: server})
}

func (t *ProgramDisplayer) AskPhone() {
	t.p.Send(MsgAskPhone{})
}

func (t *ProgramDisplayer) Sending(phone string) {
	t.p.Send(MsgSending{Phone: phone})
}

func (t *ProgramDisplayer) CodeSent(h otp.Handle) {
	t.p.Send(MsgCodeSent{Handle: h})
}

func (t *ProgramDisplayer) AskCode() {
	t.p.Send(MsgAskCode{})
}

func (t *ProgramDisplayer) Verifying() {
	t.p.Send(MsgVerifying{})
}

func (t *ProgramDisplayer) Resending() {
	t.p.Send(MsgResending{})
}

func (t *ProgramDisplayer) CodeResent(h otp.Handle) {
	t.p.Send(MsgCodeResent{Handle: h})
}

func (t *ProgramDisplayer) CodeReset() {
	t.p.Send(MsgCodeReset{})
}

func (t *ProgramDisplayer) CooldownActive(remaining int) {
	t.p.Send(MsgCooldownActive{Remaining: remaining})
}

func (t *ProgramDisplayer) Failed(message string) {
	t.p.Send(MsgFailed{Message: message})
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) Done(preview string, expiresAt time.Time) {
	t.p.Send(MsgDone{Preview: preview, ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
