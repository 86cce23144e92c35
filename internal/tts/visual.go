package tts

import (
	"context"
	"log/slog"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
)

// Display shows a letter to the player when no audio could be produced.
type Display interface {
	ShowLetter(letter alphabet.Letter)
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(alphabet.Letter)

func (f DisplayFunc) ShowLetter(l alphabet.Letter) { f(l) }

// LogDisplay logs the letter; used by the daemon, which has no screen.
type LogDisplay struct {
	Logger *slog.Logger
}

func (d LogDisplay) ShowLetter(l alphabet.Letter) {
	d.Logger.Info("visual fallback", slog.String("letter", l.String()))
}

type visual struct {
	display Display
}

// NewVisual is the terminal fallback. It never fails.
func NewVisual(display Display) Backend {
	return &visual{display: display}
}

func (v *visual) Kind() pronunciation.Backend { return pronunciation.Visual }

func (v *visual) Speak(_ context.Context, spec pronunciation.Spec) <-chan Event {
	out := newEvents()
	out <- Event{Type: Started}
	v.display.ShowLetter(spec.Letter)
	out <- Event{Type: Ended}
	close(out)
	return out
}
