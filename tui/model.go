package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/go-authgate/storefront-cli/cooldown"
)

// tickMsg is fired every second to refresh the cooldown display.
type tickMsg time.Time

// state represents the current phase of the login screen.
type state int

const (
	stateInit      state = iota
	statePhone           // waiting for a phone number
	stateSending         // send-otp in flight
	stateCode            // waiting for the passcode
	stateVerifying       // verify-otp in flight
	stateResending       // resend-otp in flight
	stateSuccess         // all done
	stateError           // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the passcode login screen. User input is
// forwarded to the login driver as Actions; the driver reports back through
// ProgramDisplayer messages.
type Model struct {
	state   state
	spinner spinner.Model
	input   textinput.Model
	width   int
	height  int

	actions chan<- Action
	cancel  func()
	timer   *cooldown.Timer
	ticking bool

	server    string
	phone     string
	remaining int
	notice    string

	// Success / error display
	tokenPreview string
	expiresAt    time.Time
	errMsg       string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleCodeBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the login screen. actions receives the user's requests,
// cancel is called on Ctrl+C, and timer is the flow's resend cooldown.
func NewModel(actions chan<- Action, cancel func(), timer *cooldown.Timer) Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	if cancel == nil {
		cancel = func() {}
	}
	return Model{
		state:   stateInit,
		spinner: s,
		input:   textinput.New(),
		actions: actions,
		cancel:  cancel,
		timer:   timer,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.remaining = m.timer.Remaining()
		if m.state == stateSuccess || m.state == stateError {
			m.ticking = false
			return m, nil
		}
		return m, tickAfterSecond()

	// The cooldown only runs while the terminal has focus.
	case tea.FocusMsg:
		m.timer.Resume()
		return m, nil

	case tea.BlurMsg:
		m.timer.Pause()
		return m, nil

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	// ── Login driver messages ────────────────────────────────────────────────

	case MsgBanner:
		m.server = msg.Server
		return m, nil

	case MsgAskPhone:
		m.state = statePhone
		m.notice = ""
		return m, m.prepareInput("Phone: ", "9876543210", 15)

	case MsgSending:
		m.state = stateSending
		m.phone = msg.Phone
		m.addStatus(statusInfo, "Sending code to "+msg.Phone)
		return m, nil

	case MsgCodeSent:
		m.addStatus(statusOK, "Code sent")
		m.remaining = int(msg.Handle.Cooldown / time.Second)
		return m, m.startTicking()

	case MsgAskCode:
		m.state = stateCode
		return m, m.prepareInput("Code: ", "123456", 8)

	case MsgVerifying:
		m.state = stateVerifying
		m.notice = ""
		return m, nil

	case MsgResending:
		m.state = stateResending
		m.notice = ""
		return m, nil

	case MsgCodeResent:
		m.addStatus(statusOK, "New code sent")
		m.remaining = int(msg.Handle.Cooldown / time.Second)
		return m, m.startTicking()

	case MsgCodeReset:
		m.input.Reset()
		return m, nil

	case MsgCooldownActive:
		m.notice = fmt.Sprintf("You can request a new code in %ds", msg.Remaining)
		return m, nil

	case MsgFailed:
		m.addStatus(statusWarn, msg.Message)
		return m, nil

	case MsgTokenSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save tokens: %v", msg.Err))
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.expiresAt = msg.ExpiresAt
		m.state = stateSuccess
		m.input.Blur()
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		m.input.Blur()
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.cancel()
		m.send(Action{Kind: ActionCancel})
		return m, tea.Quit

	case "enter":
		value := strings.TrimSpace(m.input.Value())
		switch {
		case value == "":
			return m, nil
		case m.state == statePhone:
			if m.send(Action{Kind: ActionPhone, Value: value}) {
				m.state = stateSending
				m.input.Blur()
			}
		case m.state == stateCode:
			if m.send(Action{Kind: ActionCode, Value: value}) {
				m.state = stateVerifying
				m.input.Blur()
			}
		}
		return m, nil

	case "r":
		if m.state != stateCode {
			break
		}
		// Resend is only offered at exactly zero.
		if !m.timer.Ready() {
			m.notice = fmt.Sprintf("You can request a new code in %ds", m.timer.Remaining())
			return m, nil
		}
		if m.send(Action{Kind: ActionResend}) {
			m.state = stateResending
		}
		return m, nil
	}

	if m.state == statePhone || m.state == stateCode {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// send hands a to the driver without blocking. It reports false when the
// driver has not consumed the previous action yet.
func (m Model) send(a Action) bool {
	select {
	case m.actions <- a:
		return true
	default:
		return false
	}
}

func (m *Model) prepareInput(prompt, placeholder string, limit int) tea.Cmd {
	m.input.Reset()
	m.input.Prompt = prompt
	m.input.Placeholder = placeholder
	m.input.CharLimit = limit
	m.input.SetWidth(limit + 1)
	return m.input.Focus()
}

func (m *Model) startTicking() tea.Cmd {
	if m.ticking {
		return nil
	}
	m.ticking = true
	return tickAfterSecond()
}

// View renders the TUI.
func (m Model) View() tea.View {
	var v tea.View
	switch m.state {
	case stateSuccess:
		v = tea.NewView(m.viewSuccess())
	case stateError:
		v = tea.NewView(m.viewError())
	default:
		v = tea.NewView(m.viewMain())
	}
	v.ReportFocus = true
	return v
}

// viewMain is shown while the login is in progress.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Storefront Sign In  "))
	b.WriteString("\n")
	if m.server != "" {
		b.WriteString(styleDim.Render(m.server))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case statePhone:
		b.WriteString(styleBold.Render("Enter your phone number:"))
		b.WriteString("\n")
		b.WriteString(m.input.View())
		b.WriteString("\n")

	case stateSending:
		b.WriteString(m.spinner.View())
		b.WriteString(" Sending code...\n")

	case stateCode, stateVerifying, stateResending:
		b.WriteString(styleBold.Render("Enter the code sent to:"))
		b.WriteString("\n")
		b.WriteString(styleCodeBox.Render("  " + m.phone + "  "))
		b.WriteString("\n\n")

		switch m.state {
		case stateVerifying:
			b.WriteString(m.spinner.View())
			b.WriteString(" Verifying code...\n")
		case stateResending:
			b.WriteString(m.spinner.View())
			b.WriteString(" Requesting a new code...\n")
		default:
			b.WriteString(m.input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(m.viewCooldown())
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	if m.notice != "" {
		b.WriteString(styleWarn.Render(m.notice))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewCooldown() string {
	switch m.timer.State() {
	case cooldown.Expired:
		return styleDim.Render("Didn't get it? Press r to resend")
	case cooldown.Paused:
		return styleDim.Render(fmt.Sprintf("Resend in %ds (paused)", m.remaining))
	case cooldown.Running:
		return styleDim.Render(fmt.Sprintf("Resend in %ds", m.remaining))
	}
	return ""
}

// viewSuccess is shown after a successful sign-in.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Signed in!"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Access Token: "))
	b.WriteString(m.tokenPreview + "\n")

	if !m.expiresAt.IsZero() {
		b.WriteString(styleBold.Render("Expires In:   "))
		b.WriteString(formatDuration(time.Until(m.expiresAt)) + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Sign in failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
