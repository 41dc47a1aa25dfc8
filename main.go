package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/go-authgate/storefront-cli/cooldown"
	"github.com/go-authgate/storefront-cli/otp"
	"github.com/go-authgate/storefront-cli/session"
	"github.com/go-authgate/storefront-cli/tui"
)

// useTUI decides whether login runs the interactive screen.
var useTUI = isTTY

// shownError wraps an error the login screen has already displayed.
type shownError struct{ err error }

func (e *shownError) Error() string { return e.err.Error() }
func (e *shownError) Unwrap() error { return e.err }

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		var shown *shownError
		if !errors.As(err, &shown) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "storefront-cli",
		Short: "Storefront customer API client",
		Long: `Sign in to a storefront with a one-time passcode sent to your phone,
then call the customer API with the stored session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addConfigFlags(root)

	root.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newStatusCmd(),
		newRequestCmd(),
	)
	return root
}

// setup resolves the configuration and wires the client core for cmd.
func setup(cmd *cobra.Command, warn bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if warn {
		warnPlaintext(cmd.ErrOrStderr(), cfg.ServerURL)
	}
	return newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
}

func newLoginCmd() *cobra.Command {
	var phone string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a one-time passcode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			server, err := a.cfg.baseURLResolver()()
			if err != nil {
				return err
			}

			if useTUI() {
				return runLoginTUI(cmd.Context(), a, server, phone)
			}

			d := tui.NewPlainDisplayer(cmd.ErrOrStderr())
			flow := a.newFlow(otp.OnCodeReset(d.CodeReset))
			defer flow.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			d.Banner(server)
			return completeLogin(ctx, a, flow, tui.NewLineInput(ctx, cmd.InOrStdin()), d, phone)
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number to send the code to (prompted if empty)")
	return cmd
}

// runLoginTUI runs the login behind the BubbleTea screen on stderr so stdout
// pipes are not corrupted. Key presses reach the login driver as actions.
func runLoginTUI(ctx context.Context, a *app, server, phone string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := cooldown.New()
	actions := make(chan tui.Action, 1)

	m := tui.NewModel(actions, cancel, timer)
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
		cancel()
	}()

	d := tui.NewProgramDisplayer(p)
	flow := a.newFlow(otp.WithTimer(timer), otp.OnCodeReset(d.CodeReset))
	defer flow.Close()

	d.Banner(server)
	err := completeLogin(ctx, a, flow, tui.NewChannelInput(actions), d, phone)
	p.Quit() // let BubbleTea render the final screen before exiting
	wg.Wait()
	return err
}

// completeLogin drives the flow to a verified session and reports the result.
func completeLogin(
	ctx context.Context,
	a *app,
	flow *otp.Flow,
	in tui.Input,
	d tui.Displayer,
	phone string,
) error {
	if _, err := tui.RunLogin(ctx, flow, in, d, phone); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			err = tui.ErrCancelled
		}
		d.Fatal(err)
		return &shownError{err: err}
	}

	var expiresAt time.Time
	if claims, err := a.session.Inspect(); err == nil {
		expiresAt = claims.ExpiresAt
	}
	d.Done(session.Preview(a.session.AccessToken()), expiresAt)
	return nil
}
