package aggregate

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// StandardOptOutKeywords are the carrier-recognized opt-out words.
var StandardOptOutKeywords = []string{
	"stop", "stopall", "unsubscribe", "cancel", "end", "quit", "optout", "opt-out", "opt out",
}

// DefaultCustomOptOutKeywords catch informal opt-outs and common typos.
var DefaultCustomOptOutKeywords = []string{
	"stoop", "stopp", "stp", "stip", "atop",
	"remove", "remove me", "leave me alone", "take me off",
	"no more", "dont text", "don't text", "stop texting",
	"go away", "wrong number", "not interested",
	"do not contact", "dnc", "delete my number",
}

// KeywordMatcher finds whole-word keyword occurrences in message bodies,
// case-insensitively. A zero-keyword matcher never matches.
type KeywordMatcher struct {
	keywords []string
	machine  *goahocorasick.Machine
}

func NewKeywordMatcher(keywords []string) (*KeywordMatcher, error) {
	cleaned := lo.Uniq(lo.FilterMap(keywords, func(k string, _ int) (string, bool) {
		k = string(normalizeText(k))
		return k, k != ""
	}))
	slices.Sort(cleaned)

	m := &KeywordMatcher{keywords: cleaned}
	if len(cleaned) == 0 {
		return m, nil
	}
	patterns := lo.Map(cleaned, func(k string, _ int) []rune { return []rune(k) })
	m.machine = new(goahocorasick.Machine)
	if err := m.machine.Build(patterns); err != nil {
		return nil, fmt.Errorf("failed to build keyword automaton: %w", err)
	}
	return m, nil
}

// Keywords returns the normalized keyword set.
func (m *KeywordMatcher) Keywords() []string {
	return slices.Clone(m.keywords)
}

// Match reports whether body contains any keyword as a whole word, or is
// exactly a keyword.
func (m *KeywordMatcher) Match(body string) bool {
	if m.machine == nil {
		return false
	}
	text := normalizeText(body)
	if len(text) == 0 {
		return false
	}
	for _, term := range m.machine.MultiPatternSearch(text, false) {
		start := term.Pos
		end := start + len(term.Word)
		if start < 0 || end > len(text) {
			continue
		}
		if isBoundary(text, start-1) && isBoundary(text, end) {
			return true
		}
	}
	return false
}

// normalizeText lowercases, trims and collapses runs of whitespace.
func normalizeText(s string) []rune {
	fields := strings.Fields(strings.ToLower(s))
	return []rune(strings.Join(fields, " "))
}

func isBoundary(text []rune, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	r := text[i]
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
}
