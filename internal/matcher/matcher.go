// Package matcher picks the command a tenant configured for an inbound
// message. Matching is fuzzy: bot users type free-form text with typos, so
// word-level bigram similarity beats substring equality.
package matcher

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultThreshold is the similarity a (word, input) pair must strictly
// exceed for a command to match.
const DefaultThreshold = 0.8

// Command is one configured trigger for a session: the phrases it listens
// for, what it answers, and whether an AI completion replaces or augments
// the static output.
type Command struct {
	ID       string
	Name     string
	Inputs   []string // trigger phrases, matched word-by-word
	Output   string   // static reply text
	EnableAI bool
	PromptAI string
	Priority int
	Children []Command // sub-commands, re-matched under a matched parent
}

// Matcher scores inbound messages against command lists.
type Matcher struct {
	threshold float64
}

// New creates a matcher. A non-positive threshold falls back to
// DefaultThreshold.
func New(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

// Match returns the highest-priority command whose inputs fuzzily match a
// word of the message. When the matched command has sub-commands, those are
// re-matched and a matching child wins over its parent.
func (m *Matcher) Match(message string, commands []Command) (Command, bool) {
	words := Tokenize(message)
	if len(words) == 0 {
		return Command{}, false
	}

	ordered := make([]Command, len(commands))
	copy(ordered, commands)
	// Ties keep their configured order
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	for _, cmd := range ordered {
		if !m.matches(words, cmd) {
			continue
		}
		if len(cmd.Children) > 0 {
			if child, ok := m.Match(message, cmd.Children); ok {
				return child, true
			}
		}
		return cmd, true
	}
	return Command{}, false
}

// matches reports whether any message word scores strictly above the
// threshold against any of the command's inputs.
func (m *Matcher) matches(words []string, cmd Command) bool {
	for _, input := range cmd.Inputs {
		in := Normalize(input)
		if in == "" {
			continue
		}
		for _, w := range words {
			if Similarity(w, in) > m.threshold {
				return true
			}
		}
	}
	return false
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases, strips diacritics and punctuation, and collapses
// whitespace. "Olá, bom dia!" becomes "ola bom dia".
func Normalize(s string) string {
	s = strings.ToLower(s)
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
		// Punctuation and symbols are dropped
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokenize normalizes and splits a message into words.
func Tokenize(s string) []string {
	return strings.Fields(Normalize(s))
}

// Similarity is the Sørensen–Dice coefficient over character bigrams,
// ranging 0.0 to 1.0. Whitespace is ignored, identical strings score 1 and
// strings shorter than two runes score 0 unless identical.
func Similarity(a, b string) float64 {
	a = stripSpaces(a)
	b = stripSpaces(b)
	if a == b {
		return 1
	}

	ra := []rune(a)
	rb := []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		return 0
	}

	bigrams := make(map[string]int, len(ra)-1)
	for i := 0; i < len(ra)-1; i++ {
		bigrams[string(ra[i:i+2])]++
	}

	intersection := 0
	for i := 0; i < len(rb)-1; i++ {
		g := string(rb[i : i+2])
		if bigrams[g] > 0 {
			bigrams[g]--
			intersection++
		}
	}

	return 2 * float64(intersection) / float64(len(ra)+len(rb)-2)
}

func stripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
