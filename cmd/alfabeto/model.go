package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/round"
	"github.com/loqalabs/alfabeto/internal/speech"
)

const (
	promptDelay  = 500 * time.Millisecond
	repeatDelay  = time.Second
	nextDelay    = 1500 * time.Millisecond
	feedbackFor  = time.Second
	boardColumns = 9
)

var (
	styleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("13"))
	styleLetter   = lipgloss.NewStyle().Bold(true).Border(lipgloss.RoundedBorder()).Padding(0, 3).Foreground(lipgloss.Color("14"))
	styleCorrect  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleWrong    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleSubtle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleCard     = lipgloss.NewStyle().Padding(0, 1)
	styleFound    = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("8"))
	styleSpeech   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	styleComplete = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")).Padding(1, 0)
)

// speaker is the part of the orchestrator the game drives.
type speaker interface {
	Speak(alphabet.Letter) string
	CancelAll()
}

type gameState int

const (
	stateIdle gameState = iota
	stateAsking
	stateFound
	stateComplete
)

// Timers carry the game generation they were scheduled in; a reset bumps it
// so timers from an abandoned game are ignored.
type speakMsg struct{ gen int }

type nextRoundMsg struct{ gen int }

type clearFeedbackMsg struct{ seq int }

type statusMsg speech.Status

type shownMsg alphabet.Letter

type model struct {
	speaker  speaker
	cues     *cues
	round    *round.Round
	state    gameState
	gen      int
	feedback string
	wrong    bool
	seq      int
	speech   string
	progress progress.Model
}

func newModel(s speaker, c *cues, r *round.Round) model {
	return model{
		speaker:  s,
		cues:     c,
		round:    r,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.progress.Width = max(10, min(msg.Width-20, 60))
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case speakMsg:
		if msg.gen == m.gen && m.state == stateAsking {
			if cur, ok := m.round.Current(); ok {
				m.speech = ""
				m.speaker.Speak(cur)
			}
		}
		return m, nil
	case nextRoundMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		return m.nextRound()
	case clearFeedbackMsg:
		if msg.seq == m.seq {
			m.feedback = ""
		}
		return m, nil
	case statusMsg:
		if line := describe(speech.Status(msg)); line != "" {
			m.speech = line
		}
		return m, nil
	case shownMsg:
		m.speech = fmt.Sprintf("📢 Letra: %s", alphabet.Letter(msg))
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.speaker.CancelAll()
		return m, tea.Quit
	case tea.KeyEsc:
		m.speaker.CancelAll()
		m.round.Reset()
		m.gen++
		m.state = stateIdle
		m.feedback = ""
		m.speech = ""
		return m, nil
	case tea.KeyEnter:
		if m.state == stateIdle || m.state == stateComplete {
			m.round.Reset()
			m.gen++
			return m.nextRound()
		}
		return m, nil
	case tea.KeySpace, tea.KeyTab:
		if m.state == stateAsking {
			if cur, ok := m.round.Current(); ok {
				m.speaker.Speak(cur)
			}
		}
		return m, nil
	case tea.KeyRunes:
		if m.state != stateAsking || len(msg.Runes) != 1 {
			return m, nil
		}
		guess, err := alphabet.Parse(string(msg.Runes))
		if err != nil {
			return m, nil
		}
		return m.answer(guess)
	}
	return m, nil
}

func (m model) answer(guess alphabet.Letter) (tea.Model, tea.Cmd) {
	res, err := m.round.Answer(guess)
	if err != nil {
		return m, nil
	}
	m.seq++
	seq := m.seq
	clearLater := tea.Tick(feedbackFor, func(time.Time) tea.Msg { return clearFeedbackMsg{seq: seq} })

	switch res {
	case round.Wrong:
		m.feedback, m.wrong = "❌ Tenta outra vez!", true
		gen := m.gen
		return m, tea.Batch(
			m.cues.play(cueError),
			clearLater,
			tea.Tick(repeatDelay, func(time.Time) tea.Msg { return speakMsg{gen: gen} }),
		)
	case round.Complete:
		m.speaker.CancelAll()
		m.state = stateComplete
		m.feedback, m.wrong = "", false
		return m, m.cues.play(cueVictory)
	}

	m.speaker.CancelAll()
	m.state = stateFound
	m.feedback, m.wrong = "🎉 Muito bem!", false
	gen := m.gen
	return m, tea.Batch(
		m.cues.play(cueSuccess),
		clearLater,
		tea.Tick(nextDelay, func(time.Time) tea.Msg { return nextRoundMsg{gen: gen} }),
	)
}

func (m model) nextRound() (tea.Model, tea.Cmd) {
	if _, ok := m.round.Pick(); !ok {
		m.state = stateComplete
		return m, m.cues.play(cueVictory)
	}
	m.state = stateAsking
	m.speech = ""
	gen := m.gen
	return m, tea.Tick(promptDelay, func(time.Time) tea.Msg { return speakMsg{gen: gen} })
}

// describe turns engine status into the line under the board. Ended is
// left out so the last backend used stays visible.
func describe(st speech.Status) string {
	switch st.Type {
	case speech.StatusStarted:
		return fmt.Sprintf("🔊 %s", st.Backend)
	case speech.StatusCascaded:
		return fmt.Sprintf("%s falhou, a tentar %s…", st.Backend, st.Next)
	case speech.StatusFailed:
		if st.Reason == speech.ExhaustedFallback {
			return "🔇 sem som disponível"
		}
		return fmt.Sprintf("🔇 %s falhou", st.Backend)
	}
	return ""
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("alfabeto"))
	b.WriteString("\n\n")

	switch m.state {
	case stateIdle:
		b.WriteString(styleLetter.Render("?"))
		b.WriteString("\n")
		b.WriteString(`Carrega em "enter" para começar o jogo!`)
	case stateComplete:
		b.WriteString(styleLetter.Render("🎉"))
		b.WriteString("\n")
		b.WriteString(styleComplete.Render("Parabéns! Completaste o alfabeto!"))
	default:
		cur, _ := m.round.Current()
		b.WriteString(styleLetter.Render(cur.String()))
		b.WriteString("\n")
		fmt.Fprintf(&b, "Encontra a letra %q!", cur.String())
	}
	b.WriteString("\n\n")

	b.WriteString(m.board())
	b.WriteString("\n\n")

	if m.feedback != "" {
		style := styleCorrect
		if m.wrong {
			style = styleWrong
		}
		b.WriteString(style.Render(m.feedback))
	}
	b.WriteString("\n")

	done, total := m.round.Progress()
	b.WriteString(m.progress.ViewAs(float64(done) / float64(total)))
	b.WriteString("  ")
	b.WriteString(styleSubtle.Render(m.round.RemainingText()))
	b.WriteString("\n")
	b.WriteString(styleSpeech.Render(m.speech))
	b.WriteString("\n\n")
	b.WriteString(styleHelp.Render("letra: responder · espaço: repetir · enter: começar · esc: recomeçar · ctrl+c: sair"))
	b.WriteString("\n")
	return b.String()
}

func (m model) board() string {
	var rows []string
	var row []string
	for i, l := range alphabet.All {
		if m.round.Found(l) {
			row = append(row, styleFound.Render("·"))
		} else {
			row = append(row, styleCard.Render(l.String()))
		}
		if (i+1)%boardColumns == 0 || i == len(alphabet.All)-1 {
			rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, row...))
			row = nil
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}
