package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"

	"github.com/gmh5225/ropfuscator/internal/autopsy"
	"github.com/gmh5225/ropfuscator/internal/disasm"
	"github.com/gmh5225/ropfuscator/internal/gadget"
	"github.com/gmh5225/ropfuscator/internal/ropfuscator/styles"
	"github.com/gmh5225/ropfuscator/internal/ui/colorize"
)

type viewMode int

const (
	viewSummary viewMode = iota
	viewGadgets
	viewGraph
)

type gadgetItem struct {
	g *gadget.Microgadget
}

func (i gadgetItem) Title() string       { return fmt.Sprintf("%x  %s", i.g.Address(), i.g.Text) }
func (i gadgetItem) Description() string { return i.g.Class.String() }
func (i gadgetItem) FilterValue() string { return i.g.Class.String() + " " + i.g.Text }

type itemDelegate struct{}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(gadgetItem)
	if !ok {
		return
	}

	indicator := " "
	addrStyle := styles.Address
	if index == m.Index() {
		indicator = ">"
		addrStyle = styles.Selected
	}

	text, err := colorize.Intel(i.g.Text)
	if err != nil {
		text = i.g.Text
	}
	fmt.Fprintf(w, " %s  %s  %s  %s",
		indicator,
		addrStyle.Render(fmt.Sprintf("%08x", i.g.Address())),
		styles.ClassTag(i.g.Class),
		text)
}

type model struct {
	summary viewport.Model
	gadgets list.Model
	graph   viewport.Model
	spinner spinner.Model
	mode    viewMode

	path   string
	cfg    autopsy.Config
	filter *gadget.Class

	idx     *autopsy.Autopsy
	err     error
	loading bool
	width   int
	height  int
}

type dissectedMsg struct {
	idx *autopsy.Autopsy
	err error
}

func dissectCmd(path string, cfg autopsy.Config) tea.Cmd {
	return func() tea.Msg {
		idx, err := autopsy.Open(path, cfg)
		return dissectedMsg{idx: idx, err: err}
	}
}

// NewModel returns the gadget browser for path. Dissection starts in Init.
func NewModel(path string, cfg autopsy.Config, filter *gadget.Class) model {
	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(24)

	gp := viewport.New()
	gp.SetWidth(80)
	gp.SetHeight(24)

	gl := list.New([]list.Item{}, itemDelegate{}, 80, 24)
	gl.SetShowStatusBar(false)
	gl.SetFilteringEnabled(true)
	gl.Title = "Gadgets"
	gl.Styles.Title = styles.Title
	gl.SetShowHelp(true)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))

	m := model{
		summary: vp,
		gadgets: gl,
		graph:   gp,
		spinner: s,
		mode:    viewSummary,
		path:    path,
		cfg:     cfg,
		filter:  filter,
		loading: true,
		width:   80,
		height:  24,
	}
	m.updateSummary()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		dissectCmd(m.path, m.cfg),
		m.spinner.Tick,
	)
}

func (m model) ready() bool { return m.idx != nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case dissectedMsg:
		m.loading = false
		m.idx, m.err = msg.idx, msg.err
		if m.ready() {
			m.updateGadgets()
			m.updateGraph()
		}
		m.updateSummary()
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		m.updateSummary()
		return m, cmd

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width = msg.Width
			m.height = msg.Height
			m.summary.SetWidth(msg.Width)
			m.summary.SetHeight(msg.Height - 2)
			m.gadgets.SetWidth(msg.Width)
			m.gadgets.SetHeight(msg.Height - 2)
			m.graph.SetWidth(msg.Width)
			m.graph.SetHeight(msg.Height - 2)
			m.updateSummary()
		}

	case tea.KeyMsg:
		if m.mode == viewGadgets && m.gadgets.FilterState() == list.Filtering {
			if k := msg.String(); k == "ctrl+c" {
				return m.quit()
			}
			break
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m.quit()
		case "s":
			m.mode = viewSummary
			m.updateSummary()
			return m, nil
		case "g":
			if m.ready() {
				m.mode = viewGadgets
			}
			return m, nil
		case "x":
			if m.ready() {
				m.mode = viewGraph
			}
			return m, nil
		case "enter":
			if m.mode == viewGadgets {
				if it, ok := m.gadgets.SelectedItem().(gadgetItem); ok {
					m.mode = viewSummary
					m.summary.SetContent(m.render(gadgetMarkdown(m.idx, it.g)))
					m.summary.GotoTop()
				}
			}
			return m, nil
		case "tab":
			if m.ready() {
				m.mode = (m.mode + 1) % 3
			}
			return m, nil
		case "shift+tab":
			if m.ready() {
				m.mode = (m.mode + 2) % 3
			}
			return m, nil
		}
	}

	switch m.mode {
	case viewGadgets:
		m.gadgets, cmd = m.gadgets.Update(msg)
	case viewGraph:
		m.graph, cmd = m.graph.Update(msg)
	default:
		m.summary, cmd = m.summary.Update(msg)
	}
	return m, cmd
}

func (m model) quit() (tea.Model, tea.Cmd) {
	if m.idx != nil {
		m.idx.Close()
	}
	return m, tea.Quit
}

func (m model) View() string {
	var content, menu string
	switch m.mode {
	case viewGadgets:
		content = m.gadgets.View()
		menu = " Enter: details • S: summary • X: xchg graph • /: filter • Q: quit "
	case viewGraph:
		content = m.graph.View()
		menu = " S: summary • G: gadgets • Tab: cycle • Q: quit "
	default:
		content = m.summary.View()
		if m.ready() {
			menu = " G: gadgets • X: xchg graph • Tab: cycle • Q: quit "
		} else {
			menu = " Q: quit "
		}
	}
	return content + "\n" + styles.Menu.Width(m.width).Render(menu)
}

func (m model) render(md string) string {
	width := m.width
	if width == 0 {
		width = 80
	}
	return strings.TrimSuffix(styles.RenderReport(md, width-2), "\n")
}

func (m *model) updateSummary() {
	var md string
	switch {
	case m.loading:
		md = fmt.Sprintf("# ropfuscator\n\n`%s`\n\n%s Harvesting gadgets...", m.path, m.spinner.View())
	case m.err != nil:
		md = fmt.Sprintf("# ropfuscator\n\n`%s`\n\n## Error\n\n%v\n", m.path, m.err)
	default:
		md = reportMarkdown(m.idx, m.filter)
	}
	m.summary.SetContent(m.render(md))
}

func (m *model) updateGadgets() {
	var items []list.Item
	for _, g := range m.idx.Gadgets() {
		if m.filter != nil && g.Class != *m.filter {
			continue
		}
		items = append(items, gadgetItem{g: g})
	}
	m.gadgets.SetItems(items)
	m.gadgets.Title = fmt.Sprintf("Gadgets (%d total)", len(items))
}

func (m *model) updateGraph() {
	xg := m.idx.ExchangeGraph()
	var b strings.Builder
	b.WriteString("Register exchange graph\n\n")
	if xg.NumEdges() == 0 {
		b.WriteString("  no REG_XCHG gadgets\n")
	}
	for _, r := range xg.Registers() {
		var ns []string
		for _, n := range xg.Neighbours(r) {
			ns = append(ns, disasm.RegName(n))
		}
		fmt.Fprintf(&b, "  %-6s <-> %s\n", disasm.RegName(r), strings.Join(ns, ", "))
	}
	b.WriteString("\nDOT\n\n")
	b.WriteString(xg.DOT("xchg"))
	m.graph.SetContent(b.String())
}
