package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"formulary/internal/domain"
)

// Recommender is the TUI-facing subset of the pipeline.
type Recommender interface {
	Query(ctx context.Context, question, insurer string, class domain.DrugClass) (*domain.Answer, error)
}

type answerMsg struct {
	question string
	answer   *domain.Answer
	err      error
}

// Model is the Bubble Tea model for the interactive recommender.
type Model struct {
	rec      Recommender
	timeout  time.Duration
	insurer  textinput.Model
	input    textinput.Model
	viewport viewport.Model
	answer   *domain.Answer
	summary  string
	status   string
	cursor   int
	ready    bool
	busy     bool
	lastQ    string
}

// New creates a model. insurer pre-fills the insurer field; summary is
// shown under the header.
func New(rec Recommender, insurer, summary string, timeout time.Duration) Model {
	ins := textinput.New()
	ins.Prompt = "Insurer: "
	ins.Placeholder = "e.g. UnitedHealthcare"
	ins.SetValue(insurer)
	ins.CharLimit = 80

	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about an inhaler and press Enter"
	ti.CharLimit = 0

	if insurer == "" {
		ins.Focus()
	} else {
		ti.Focus()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	vp := viewport.New(0, 0)
	return Model{
		rec:      rec,
		timeout:  timeout,
		insurer:  ins,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Tab switches fields. Up/Down browse recommendations.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) ask(question, insurer string) tea.Cmd {
	rec, timeout := m.rec, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ans, err := rec.Query(ctx, question, insurer, "")
		return answerMsg{question: question, answer: ans, err: err}
	}
}

// Update handles key, window and answer events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + 2*qh + 2 // header+summary, status, two inputs
		vh := msg.Height - reserved
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderCurrent())
		return m, nil
	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.answer = nil
		} else {
			m.answer = msg.answer
			m.cursor = 0
			m.lastQ = msg.question
			m.status = statusFor(msg.answer)
		}
		m.viewport.SetContent(m.renderCurrent())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "tab", "shift+tab":
			if m.insurer.Focused() {
				m.insurer.Blur()
				m.input.Focus()
			} else {
				m.input.Blur()
				m.insurer.Focus()
			}
			return m, nil
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			ins := strings.TrimSpace(m.insurer.Value())
			if m.busy || q == "" {
				break
			}
			if ins == "" {
				m.status = "Enter an insurer first."
				return m, nil
			}
			m.busy = true
			m.status = fmt.Sprintf("Searching %s formulary...", ins)
			return m, m.ask(q, ins)
		case "down":
			if n := m.count(); n > 0 {
				m.cursor = (m.cursor + 1) % n
				m.viewport.SetContent(m.renderCurrent())
				return m, nil
			}
		case "up":
			if n := m.count(); n > 0 {
				m.cursor = (m.cursor - 1 + n) % n
				m.viewport.SetContent(m.renderCurrent())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	if m.insurer.Focused() {
		m.insurer, cmd = m.insurer.Update(msg)
	} else {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

func (m Model) count() int {
	if m.answer == nil {
		return 0
	}
	return len(m.answer.Recommendations)
}

func statusFor(a *domain.Answer) string {
	switch {
	case a.NoMatch != nil:
		return a.NoMatch.String()
	case a.Degraded:
		return fmt.Sprintf("%d recommendation(s); language model unavailable, showing ranked facts", len(a.Recommendations))
	default:
		return fmt.Sprintf("%d recommendation(s) for %s", len(a.Recommendations), a.Insurer)
	}
}

// View renders the layout and the current recommendation.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Formulary Inhaler Finder")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	insurer := queryBoxStyle.Render(m.insurer.View())
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + insurer + "\n" + input + "\n" + status
}

func (m Model) renderCurrent() string {
	if m.answer == nil {
		return "No results yet."
	}
	if m.answer.NoMatch != nil || len(m.answer.Recommendations) == 0 {
		return m.answer.Text
	}
	r := m.answer.Recommendations[m.cursor]
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %d/%d  score=%.3f\n\n", r.DrugClass, m.cursor+1, len(m.answer.Recommendations), r.Score)
	fmt.Fprintf(&b, "%s\n", nameStyle.Render(r.Medication))
	fmt.Fprintf(&b, "%s", r.Tier)
	for _, s := range restrictionLabels(r) {
		b.WriteString(" | " + s)
	}
	fmt.Fprintf(&b, "\nSource: %s p.%d\n\n", r.Source, r.Page)
	why := r.Rationale
	if why == "" {
		why = r.Reason
	}
	b.WriteString("Why: " + why + "\n")
	if len(r.Alternatives) > 0 {
		b.WriteString("\nAlternatives:\n")
		for _, a := range r.Alternatives {
			fmt.Fprintf(&b, "  - %s (%s)\n", a.Medication, a.Tier)
		}
	}
	if r.Evidence != "" {
		b.WriteString("\nEvidence:\n" + highlightBestLine(r.Evidence, m.lastQ))
	}
	return b.String()
}

func restrictionLabels(r domain.Recommendation) []string {
	var out []string
	if r.PARequired {
		out = append(out, "PA")
	}
	if r.StepTherapy {
		out = append(out, "ST")
	}
	if r.QuantityLimit {
		out = append(out, "QL")
	}
	if len(out) == 0 {
		out = append(out, "no restrictions")
	}
	return out
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	nameStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
)

// highlightBestLine marks the evidence line sharing most words with the
// question.
func highlightBestLine(text, query string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 || len(lines) == 0 {
		return text
	}
	bestIdx, bestScore := 0, -1
	for i, l := range lines {
		if score := tokenOverlapScore(qTokens, l); score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range lines {
		line := strings.TrimSpace(lines[i])
		if i == bestIdx {
			line = highlightStyle.Render(line)
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
