package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ccheshirecat/lambdo/internal/cli/client"
)

const (
	refreshInterval = 5 * time.Second
	maxLogLines     = 100
	shownLogLines   = 10
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("244"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	endedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type vmListMsg struct {
	vms []client.VM
}

type vmEventMsg struct {
	event client.VMEvent
}

type errMsg struct {
	err error
}

type eventsClosedMsg struct{}

type tickMsg struct{}

// Run launches the Bubble Tea TUI against LAMBDO_API_BASE.
func Run() error {
	api, err := client.New(os.Getenv("LAMBDO_API_BASE"))
	if err != nil {
		return err
	}
	return RunWithClient(api.WithAPIKey(os.Getenv("LAMBDO_API_KEY")))
}

// RunWithClient launches the TUI with a preconfigured client.
func RunWithClient(api *client.Client) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newModel(ctx, cancel, api)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		cancel()
		return err
	}
	return nil
}

type model struct {
	ctx       context.Context
	cancel    context.CancelFunc
	api       *client.Client
	vms       []client.VM
	logs      []string
	err       error
	eventCh   chan client.VMEvent
	streamEOF bool
}

func newModel(ctx context.Context, cancel context.CancelFunc, api *client.Client) model {
	return model{
		ctx:     ctx,
		cancel:  cancel,
		api:     api,
		eventCh: make(chan client.VMEvent, 16),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		fetchVMsCmd(m.ctx, m.api),
		watchEventsCmd(m.ctx, m.api, m.eventCh),
		waitEventCmd(m.eventCh),
		tickCmd(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "r":
			return m, fetchVMsCmd(m.ctx, m.api)
		}
	case vmListMsg:
		m.vms = msg.vms
		m.err = nil
		return m, nil
	case vmEventMsg:
		m.logs = append([]string{formatEvent(msg.event)}, m.logs...)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[:maxLogLines]
		}
		// refresh list after event
		return m, tea.Batch(fetchVMsCmd(m.ctx, m.api), waitEventCmd(m.eventCh))
	case errMsg:
		m.err = msg.err
		return m, nil
	case eventsClosedMsg:
		m.streamEOF = true
		return m, nil
	case tickMsg:
		return m, tea.Batch(tickCmd(), fetchVMsCmd(m.ctx, m.api))
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("LAMBDO :: MicroVM Dashboard"))
	b.WriteString("  (r to refresh, q to quit)\n")

	b.WriteString("\nVMs:\n")
	if len(m.vms) == 0 {
		b.WriteString("  (no VMs)\n")
	} else {
		b.WriteString("  " + headerStyle.Render(fmt.Sprintf("%-36s %-10s %-15s %-14s %s", "ID", "STATUS", "IP", "TAP", "PORTS")) + "\n")
		for _, vm := range m.vms {
			status := fmt.Sprintf("%-10s", vm.Status)
			if vm.Status == "running" {
				status = runningStyle.Render(status)
			} else {
				status = endedStyle.Render(status)
			}
			fmt.Fprintf(&b, "  %-36s %s %-15s %-14s %s\n", vm.ID, status, vm.IPAddress, vm.TapDevice, formatPorts(vm.PortMapping))
		}
	}

	b.WriteString("\nEvents:\n")
	if len(m.logs) == 0 {
		b.WriteString("  (waiting for events)\n")
	} else {
		for i, line := range m.logs {
			if i >= shownLogLines {
				break
			}
			b.WriteString("  " + line + "\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n")
	}
	if m.streamEOF {
		b.WriteString("\nEvent stream closed.\n")
	}
	return b.String()
}

func formatEvent(ev client.VMEvent) string {
	line := fmt.Sprintf("%s %-14s %s", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.ID)
	if ev.Message != "" {
		line += " " + ev.Message
	}
	return line
}

func formatPorts(pairs [][2]int) string {
	if len(pairs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%d->%d", p[0], p[1]))
	}
	return strings.Join(parts, ",")
}

func fetchVMsCmd(parent context.Context, api *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		vms, err := api.ListVMs(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return vmListMsg{vms: vms}
	}
}

func watchEventsCmd(ctx context.Context, api *client.Client, ch chan<- client.VMEvent) tea.Cmd {
	return func() tea.Msg {
		go func() {
			err := api.WatchVMEvents(ctx, func(ev client.VMEvent) {
				select {
				case ch <- ev:
				case <-ctx.Done():
				}
			})
			if err != nil && ctx.Err() == nil {
				select {
				case ch <- client.VMEvent{Type: "ERROR", Message: err.Error(), Timestamp: time.Now().UTC()}:
				default:
				}
			}
			close(ch)
		}()
		return nil
	}
}

func waitEventCmd(ch <-chan client.VMEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return vmEventMsg{event: ev}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}
