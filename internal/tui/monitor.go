// Package tui is the operator console: a live instrument table, the client
// registry, the broadcast stream and the engine state on one alt screen.
package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonmea "github.com/adrianmo/go-nmea"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"nmea-bridge/internal/nmea"
	"nmea-bridge/internal/server"
	"nmea-bridge/internal/sim"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// frameMsg carries one rendered log line for the viewport.
type frameMsg struct{ line string }

// readingMsg carries one instrument cell update for the table.
type readingMsg struct{ name, value string }

// statusMsg carries an engine status snapshot.
type statusMsg struct{ sim.Status }

// clientsMsg carries a registry snapshot.
type clientsMsg struct{ clients []server.ClientInfo }

const (
	logKeep        = 1000
	statusInterval = 500 * time.Millisecond
)

// instrumentOrder fixes the table layout; instruments the bridge discovers at
// runtime (per-engine RPM and the like) are appended after these.
var instrumentOrder = []string{
	"Position", "SOG",
	"COG", "Heading",
	"STW", "Turn",
	"Depth", "Water",
	"Wind app", "Wind true",
}

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	recStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// Monitor mirrors the broadcast stream on an interactive terminal. It
// subscribes to the hub like any other client, so it sees the exact bytes
// clients get, injected faults included.
type Monitor struct {
	program    teaProgram
	engine     *sim.Engine
	hub        *server.Hub
	sub        *server.Subscriber
	done       chan struct{}
	quit       chan struct{}
	feeders    sync.WaitGroup
	closeOnce  sync.Once
	sendSignal atomic.Bool
}

// NewMonitor subscribes to the hub and starts the bubbletea program.
func NewMonitor(engine *sim.Engine, hub *server.Hub) *Monitor {
	w := &Monitor{
		engine: engine,
		hub:    hub,
		sub:    hub.Subscribe("tui", "console"),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	w.sendSignal.Store(true)
	p := tea.NewProgram(newModel(), tea.WithAltScreen())
	w.program = p
	go func() {
		_ = p.Start()
		close(w.done)
		if w.sendSignal.Load() {
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(os.Interrupt)
			}
		}
	}()
	w.feeders.Add(2)
	go w.followFrames()
	go w.pollStatus()
	return w
}

func (w *Monitor) followFrames() {
	defer w.feeders.Done()
	for {
		select {
		case frame := <-w.sub.Frames():
			w.Observe(frame)
		case <-w.sub.Kicked():
			return
		case <-w.quit:
			return
		}
	}
}

func (w *Monitor) pollStatus() {
	defer w.feeders.Done()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if st, err := w.engine.Status(context.Background()); err == nil {
				w.program.Send(statusMsg{Status: st})
			}
			w.program.Send(clientsMsg{clients: w.hub.Clients()})
		case <-w.quit:
			return
		}
	}
}

// Observe feeds one broadcast frame into the console.
func (w *Monitor) Observe(frame []byte) {
	stamp := dimStyle.Render(time.Now().UTC().Format("[15:04:05]"))
	if len(frame) > 0 && frame[0] == nmea.FrameMagic {
		f, _, err := nmea.UnmarshalFrame(frame)
		if err != nil {
			w.program.Send(frameMsg{line: fmt.Sprintf("%s %s", stamp, badStyle.Render("(bad n2k frame)"))})
			return
		}
		w.program.Send(frameMsg{line: fmt.Sprintf("%s n2k pgn=%d src=%d % X", stamp, f.PGN, f.Source, f.Data)})
		return
	}
	line := strings.TrimRight(string(frame), "\r\n")
	body, err := nmea.Verify(line)
	if err != nil {
		w.program.Send(frameMsg{line: fmt.Sprintf("%s %s %s", stamp, line, badStyle.Render("(bad frame)"))})
		return
	}
	w.program.Send(frameMsg{line: fmt.Sprintf("%s %s", stamp, line)})
	for _, r := range readInstruments(line, body) {
		w.program.Send(r)
	}
}

// Close tears down the subscription and waits for the program to exit.
func (w *Monitor) Close() error {
	w.closeOnce.Do(func() {
		w.sendSignal.Store(false)
		if w.quit != nil {
			close(w.quit)
		}
		if w.hub != nil && w.sub != nil {
			w.hub.Unsubscribe(w.sub.ID)
		}
		w.feeders.Wait()
		if w.program != nil {
			w.program.Send(tea.Quit())
		}
		if w.done != nil {
			<-w.done
		}
	})
	return nil
}

// readInstruments turns one verified sentence into table updates. The rich
// navigation fields go through the reference parser; single-value sentences
// are read straight off the body the encoder wrote.
func readInstruments(line, body string) []readingMsg {
	parts := strings.Split(body, ",")
	if len(parts) == 0 || len(parts[0]) != 6 {
		return nil
	}
	switch parts[0][3:] {
	case "RMC":
		if field(parts, 2) != "A" {
			return []readingMsg{
				{name: "Position", value: "no fix"},
				{name: "SOG", value: "-"},
				{name: "COG", value: "-"},
			}
		}
		parsed, err := gonmea.Parse(line)
		if err != nil {
			return nil
		}
		rmc, ok := parsed.(gonmea.RMC)
		if !ok {
			return nil
		}
		return []readingMsg{
			{name: "Position", value: fmt.Sprintf("%.4f %.4f", rmc.Latitude, rmc.Longitude)},
			{name: "SOG", value: fmt.Sprintf("%.1f kn", rmc.Speed)},
			{name: "COG", value: fmt.Sprintf("%.0f°", rmc.Course)},
		}
	case "HDG":
		return []readingMsg{{name: "Heading", value: field(parts, 1) + "°"}}
	case "VHW":
		return []readingMsg{{name: "STW", value: field(parts, 5) + " kn"}}
	case "ROT":
		return []readingMsg{{name: "Turn", value: field(parts, 1) + "°/min"}}
	case "DPT":
		return []readingMsg{{name: "Depth", value: field(parts, 1) + " m"}}
	case "MTW":
		return []readingMsg{{name: "Water", value: field(parts, 1) + " °C"}}
	case "MWV":
		name := "Wind app"
		if field(parts, 2) == "T" {
			name = "Wind true"
		}
		return []readingMsg{{name: name, value: fmt.Sprintf("%s° %s kn", field(parts, 1), field(parts, 3))}}
	case "RPM":
		return []readingMsg{{name: "RPM " + field(parts, 2), value: field(parts, 3)}}
	}
	return nil
}

func field(parts []string, i int) string {
	if i >= len(parts) || parts[i] == "" {
		return "-"
	}
	return parts[i]
}

type tuiModel struct {
	table        table.Model
	vp           viewport.Model
	logs         []string
	readings     map[string]string
	extra        []string
	status       sim.Status
	clients      []server.ClientInfo
	wrap         bool
	autoscroll   bool
	help         bool
	showClients  bool
	header       string
	headerHeight int
	height       int
}

func newModel() tuiModel {
	cols := []table.Column{
		{Title: "Instrument", Width: 10},
		{Title: "Value", Width: 18},
		{Title: "Instrument", Width: 10},
		{Title: "Value", Width: 18},
	}
	m := tuiModel{
		table:       table.New(table.WithColumns(cols)),
		vp:          viewport.New(0, 0),
		readings:    make(map[string]string),
		autoscroll:  true,
		showClients: true,
	}
	m.rebuildRows()
	return m
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		tableWidth := msg.Width
		if m.showClients {
			tableWidth = msg.Width / 2
		}
		m.table.SetWidth(tableWidth)
		m.vp.Width = msg.Width
		m.height = msg.Height
		m.header = m.renderHeader()
		m.headerHeight = lipgloss.Height(m.header)
		m.updateViewportHeight()
		m.refreshViewport()
	case tea.KeyMsg:
		if m.help {
			switch msg.String() {
			case "?", "h", "esc", "q":
				m.help = false
				m.updateViewportHeight()
			}
			return m, nil
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "w":
			m.wrap = !m.wrap
			m.refreshViewport()
			m.header = m.renderHeader()
			m.headerHeight = lipgloss.Height(m.header)
			m.updateViewportHeight()
			return m, nil
		case "s":
			m.autoscroll = !m.autoscroll
			if m.autoscroll {
				m.vp.GotoBottom()
			}
			return m, nil
		case "c":
			m.showClients = !m.showClients
			width := m.vp.Width
			if m.showClients {
				m.table.SetWidth(width / 2)
			} else {
				m.table.SetWidth(width)
			}
			m.header = m.renderHeader()
			m.headerHeight = lipgloss.Height(m.header)
			m.updateViewportHeight()
			return m, nil
		case "h", "?":
			m.help = !m.help
			m.updateViewportHeight()
			return m, nil
		}
		if !m.autoscroll {
			switch msg.String() {
			case "j", "down":
				m.vp.LineDown(1)
			case "k", "up":
				m.vp.LineUp(1)
			case "pgdown", "ctrl+n":
				m.vp.LineDown(10)
			case "pgup", "ctrl+p":
				m.vp.LineUp(10)
			default:
				var cmd tea.Cmd
				m.vp, cmd = m.vp.Update(msg)
				return m, cmd
			}
			return m, nil
		}
		return m, nil
	case frameMsg:
		m.logs = append(m.logs, msg.line)
		if len(m.logs) > logKeep {
			m.logs = m.logs[len(m.logs)-logKeep:]
		}
		m.refreshViewport()
	case readingMsg:
		if _, ok := m.readings[msg.name]; !ok && !baseInstrument(msg.name) {
			m.extra = append(m.extra, msg.name)
		}
		m.readings[msg.name] = msg.value
		m.rebuildRows()
		m.header = m.renderHeader()
		m.headerHeight = lipgloss.Height(m.header)
		m.updateViewportHeight()
	case statusMsg:
		m.status = msg.Status
	case clientsMsg:
		clients := msg.clients
		sort.Slice(clients, func(i, j int) bool {
			if !clients[i].Connected.Equal(clients[j].Connected) {
				return clients[i].Connected.Before(clients[j].Connected)
			}
			return clients[i].ID < clients[j].ID
		})
		m.clients = clients
		m.header = m.renderHeader()
		m.headerHeight = lipgloss.Height(m.header)
		m.updateViewportHeight()
	}
	return m, nil
}

func baseInstrument(name string) bool {
	for _, n := range instrumentOrder {
		if n == name {
			return true
		}
	}
	return false
}

func (m *tuiModel) rebuildRows() {
	names := append([]string(nil), instrumentOrder...)
	names = append(names, m.extra...)
	var rows []table.Row
	for i := 0; i < len(names); i += 2 {
		row := table.Row{names[i], m.reading(names[i]), "", ""}
		if i+1 < len(names) {
			row[2], row[3] = names[i+1], m.reading(names[i+1])
		}
		rows = append(rows, row)
	}
	m.table.SetRows(rows)
	m.table.SetHeight(len(rows) + 1)
}

func (m tuiModel) reading(name string) string {
	if v, ok := m.readings[name]; ok {
		return v
	}
	return "-"
}

func (m *tuiModel) updateViewportHeight() {
	bottomHeight := lipgloss.Height(m.renderBottom())
	h := m.height - m.headerHeight - bottomHeight - 2
	if h < 0 {
		h = 0
	}
	m.vp.Height = h
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m *tuiModel) refreshViewport() {
	var lines []string
	for _, l := range m.logs {
		if m.wrap {
			lines = append(lines, wordwrap.String(l, m.vp.Width))
		} else {
			lines = append(lines, l)
		}
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m tuiModel) View() string {
	if m.help {
		return m.renderHelp()
	}
	divider := strings.Repeat("─", m.vp.Width)
	sections := []string{
		m.header,
		divider,
		m.vp.View(),
		divider,
		m.renderBottom(),
	}
	return strings.Join(sections, "\n")
}

func (m tuiModel) renderHeader() string {
	tableView := m.table.View()
	if !m.showClients {
		return tableView
	}
	sep := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render("│")
	return lipgloss.JoinHorizontal(lipgloss.Top, tableView, sep, m.renderClients())
}

func (m tuiModel) renderClients() string {
	var b strings.Builder
	b.WriteString("Clients\n")
	if len(m.clients) == 0 {
		b.WriteString("└─ none listening")
		return b.String()
	}
	width := m.vp.Width/2 - 1
	for i, c := range m.clients {
		prefix := "├─"
		if i == len(m.clients)-1 {
			prefix = "└─"
		}
		line := fmt.Sprintf("%s %-4s %s q=%d", prefix, c.Proto, c.Remote, c.Queued)
		if m.wrap && width > 0 {
			line = wordwrap.String(line, width)
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m tuiModel) renderBottom() string {
	st := m.status
	if st.State == "" {
		st.State = sim.StateIdle
	}
	parts := []string{fmt.Sprintf("%s %s", labelStyle.Render("STATE"),
		lipgloss.NewStyle().Foreground(stateColor(st.State)).Render(st.State))}
	if st.Scenario != "" {
		parts = append(parts, "scenario="+st.Scenario)
	}
	if st.Source != "" {
		parts = append(parts, "source="+st.Source)
	}
	parts = append(parts, "vt="+formatVT(st.VirtualTimeMS))
	if st.Speed != 0 && st.Speed != 1 {
		parts = append(parts, fmt.Sprintf("x%g", st.Speed))
	}
	if st.Loop {
		parts = append(parts, fmt.Sprintf("loop=%d", st.LoopCount))
	}
	if st.Autopilot.Mode != "" {
		ap := "ap=" + st.Autopilot.Mode
		if st.Autopilot.Engaged() {
			ap = fmt.Sprintf("ap=%s@%03.0f", st.Autopilot.Mode, st.Autopilot.TargetHeading)
		}
		parts = append(parts, ap)
	}
	if st.Recording != "" {
		parts = append(parts, recStyle.Render("rec="+filepath.Base(st.Recording)))
	}
	counts := make(map[string]int)
	for _, c := range m.clients {
		counts[c.Proto]++
	}
	parts = append(parts, fmt.Sprintf("tcp=%d ws=%d", counts["tcp"], counts["ws"]))
	return fmt.Sprintf("%s | Wrap %s | Scroll %s | Clients %s | Help %s",
		strings.Join(parts, " "),
		indicator(m.wrap), indicator(m.autoscroll), indicator(m.showClients), indicator(m.help))
}

func (m tuiModel) renderHelp() string {
	lines := []string{
		"Key Bindings:",
		" q  quit",
		" w  toggle wrap for long lines",
		" s  toggle auto-scroll",
		" c  toggle the client panel",
		" h/? toggle this help view",
		"",
		"When auto-scroll is disabled:",
		" j/k or up/down    scroll one line",
		" pgdown/pgup       scroll a page",
	}
	return strings.Join(lines, "\n")
}

func stateColor(state string) lipgloss.Color {
	switch state {
	case sim.StateRunning, sim.StateLooping:
		return lipgloss.Color("10")
	case sim.StatePaused:
		return lipgloss.Color("11")
	case sim.StateLoading:
		return lipgloss.Color("14")
	case sim.StateStopped:
		return lipgloss.Color("9")
	default:
		return lipgloss.Color("8")
	}
}

func indicator(on bool) string {
	color := lipgloss.Color("9")
	if on {
		color = lipgloss.Color("10")
	}
	return lipgloss.NewStyle().Foreground(color).Render("●")
}

func formatVT(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	min := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, min, sec)
	}
	return fmt.Sprintf("%02d:%02d", min, sec)
}
