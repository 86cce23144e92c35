// Package round tracks one pass of the find-the-letter game: which letters
// are still to be found and which one is being asked for.
package round

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/loqalabs/alfabeto/internal/alphabet"
)

// ErrNoPrompt is returned by Answer before Pick or after the round is done.
var ErrNoPrompt = errors.New("no letter is being asked for")

// Result is the outcome of one answer.
type Result int

const (
	Wrong Result = iota
	Correct
	// Complete is a correct answer that found the last letter.
	Complete
)

// Round is not safe for concurrent use; the game loop owns it.
type Round struct {
	letters   []alphabet.Letter
	remaining []alphabet.Letter
	current   alphabet.Letter
	asking    bool
	mistakes  int
	intn      func(int) int
}

// New starts a round over letters. A nil intn uses math/rand.
func New(letters []alphabet.Letter, intn func(int) int) *Round {
	if intn == nil {
		intn = rand.IntN
	}
	r := &Round{letters: slices.Clone(letters), intn: intn}
	r.Reset()
	return r
}

// Reset puts every letter back.
func (r *Round) Reset() {
	r.remaining = slices.Clone(r.letters)
	r.current = 0
	r.asking = false
	r.mistakes = 0
}

// Pick chooses the next letter to ask for among the remaining ones. It
// returns false once every letter has been found.
func (r *Round) Pick() (alphabet.Letter, bool) {
	if len(r.remaining) == 0 {
		r.asking = false
		return 0, false
	}
	r.current = r.remaining[r.intn(len(r.remaining))]
	r.asking = true
	return r.current, true
}

// Current is the letter being asked for.
func (r *Round) Current() (alphabet.Letter, bool) {
	return r.current, r.asking
}

// Answer checks a guess. A correct guess removes the letter; a wrong one
// leaves the prompt in place so it can be repeated.
func (r *Round) Answer(guess alphabet.Letter) (Result, error) {
	if !r.asking {
		return Wrong, ErrNoPrompt
	}
	if guess != r.current {
		r.mistakes++
		return Wrong, nil
	}
	r.remaining = slices.DeleteFunc(r.remaining, func(l alphabet.Letter) bool { return l == guess })
	r.asking = false
	if len(r.remaining) == 0 {
		return Complete, nil
	}
	return Correct, nil
}

// Remaining returns the letters not found yet, in alphabet order.
func (r *Round) Remaining() []alphabet.Letter {
	return slices.Clone(r.remaining)
}

// Found reports whether l has already been found this round.
func (r *Round) Found(l alphabet.Letter) bool {
	return slices.Contains(r.letters, l) && !slices.Contains(r.remaining, l)
}

// Progress returns how many letters were found and how many there are.
func (r *Round) Progress() (completed, total int) {
	return len(r.letters) - len(r.remaining), len(r.letters)
}

func (r *Round) Done() bool { return len(r.remaining) == 0 }

func (r *Round) Mistakes() int { return r.mistakes }

// RemainingText is the progress line shown under the board.
func (r *Round) RemainingText() string {
	n := len(r.remaining)
	if n == 1 {
		return "1 letra restante"
	}
	return fmt.Sprintf("%d letras restantes", n)
}
