package tui

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-authgate/storefront-cli/otp"
)

// ErrCancelled is returned when the user abandons the login.
var ErrCancelled = errors.New("login cancelled")

// tickEvery is one cooldown unit.
var tickEvery = time.Second

// ActionKind identifies what the user asked for.
type ActionKind int

const (
	ActionPhone ActionKind = iota
	ActionCode
	ActionResend
	ActionCancel
)

// Action is one user request delivered to the login driver.
type Action struct {
	Kind  ActionKind
	Value string
}

// Prompt tells an Input what the driver is waiting for.
type Prompt int

const (
	PromptPhone Prompt = iota
	PromptCode
)

// Input supplies user actions to the login driver.
type Input interface {
	Next(ctx context.Context, prompt Prompt) (Action, error)
}

// ChannelInput reads actions produced by the interactive model.
type ChannelInput struct {
	ch <-chan Action
}

// NewChannelInput creates an Input fed by ch.
func NewChannelInput(ch <-chan Action) *ChannelInput {
	return &ChannelInput{ch: ch}
}

func (c *ChannelInput) Next(ctx context.Context, _ Prompt) (Action, error) {
	select {
	case <-ctx.Done():
		return Action{}, ctx.Err()
	case a, ok := <-c.ch:
		if !ok {
			return Action{Kind: ActionCancel}, nil
		}
		return a, nil
	}
}

// LineInput reads one action per line, for plain terminals and pipes.
type LineInput struct {
	lines chan string
	done  chan struct{}
	err   error
}

// NewLineInput starts reading lines from r. The reader stops handing lines
// over once ctx ends.
func NewLineInput(ctx context.Context, r io.Reader) *LineInput {
	in := &LineInput{
		lines: make(chan string),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(in.done)
		defer close(in.lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case in.lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		in.err = scanner.Err()
	}()
	return in
}

func (l *LineInput) Next(ctx context.Context, prompt Prompt) (Action, error) {
	for {
		select {
		case <-ctx.Done():
			return Action{}, ctx.Err()
		case line, ok := <-l.lines:
			if !ok {
				if l.err != nil {
					return Action{}, l.err
				}
				return Action{}, io.EOF
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if prompt == PromptPhone {
				return Action{Kind: ActionPhone, Value: line}, nil
			}
			if strings.EqualFold(line, "r") {
				return Action{Kind: ActionResend}, nil
			}
			return Action{Kind: ActionCode, Value: line}, nil
		}
	}
}

// RunLogin drives flow from user actions until the passcode is verified, the
// user cancels, or ctx ends. phone, if set, skips the first prompt.
func RunLogin(
	ctx context.Context,
	flow *otp.Flow,
	in Input,
	d Displayer,
	phone string,
) (*otp.VerifyResult, error) {
	timer := flow.Timer()
	defer timer.Stop()

	for {
		if phone == "" {
			d.AskPhone()
			a, err := in.Next(ctx, PromptPhone)
			if err != nil {
				return nil, err
			}
			if a.Kind == ActionCancel {
				return nil, ErrCancelled
			}
			phone = a.Value
		}

		d.Sending(phone)
		h, err := flow.Send(ctx, phone)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.Failed(otp.Message(err))
			phone = ""
			continue
		}

		d.CodeSent(*h)
		timer.Drive(ctx, tickEvery, nil)
		break
	}

	for {
		d.AskCode()
		a, err := in.Next(ctx, PromptCode)
		if err != nil {
			return nil, err
		}

		switch a.Kind {
		case ActionCancel:
			return nil, ErrCancelled

		case ActionResend:
			if !flow.CanResend() {
				d.CooldownActive(timer.Remaining())
				continue
			}
			d.Resending()
			h, err := flow.Resend(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				d.Failed(otp.Message(err))
				continue
			}
			d.CodeResent(*h)
			timer.Drive(ctx, tickEvery, nil)

		default:
			d.Verifying()
			res, err := flow.Submit(ctx, a.Value)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				d.Failed(otp.Message(err))
				continue
			}
			if res.StorageErr != nil {
				d.TokenSaveFailed(res.StorageErr)
			}
			return res, nil
		}
	}
}
