package transcribe

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// CorrectorOption is a functional option for configuring a [Corrector].
type CorrectorOption func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched term to be accepted. Default 0.70.
func WithPhoneticThreshold(threshold float64) CorrectorOption {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a pure string
// similarity match when no phonetic candidate exists. Default 0.85.
func WithFuzzyThreshold(threshold float64) CorrectorOption {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// Correction records one replacement applied to a transcript.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// vocabEntry is one domain term with its precomputed phonetic codes.
type vocabEntry struct {
	term   string
	tokens []string
	codes  map[string]struct{}
}

// Corrector fixes domain vocabulary the ASR habitually misses in stable
// transcripts. Candidate terms are filtered by Double Metaphone code
// overlap and ranked by Jaro-Winkler similarity; multi-word terms are
// matched against n-gram windows, longest window first.
//
// The raw transcript is never modified in place; callers keep the original
// alongside the corrected text.
//
// Read-only after construction; safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	vocab             []vocabEntry
	maxTermWords      int
}

// NewCorrector creates a Corrector over the given domain vocabulary.
// An empty vocabulary yields a corrector that passes text through.
func NewCorrector(vocabulary []string, opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, term := range vocabulary {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		tokens := strings.Fields(strings.ToLower(term))
		c.vocab = append(c.vocab, vocabEntry{
			term:   term,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		if len(tokens) > c.maxTermWords {
			c.maxTermWords = len(tokens)
		}
	}
	return c
}

// Correct scans text for vocabulary matches and returns the corrected text
// plus the corrections applied. At each token position n-gram windows are
// tried from the longest term length down to one word so multi-word terms
// win over partial single-word matches.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.vocab) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		output      []string
		corrections []Correction
	)
	i := 0
	for i < len(tokens) {
		maxN := c.maxTermWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, score, ok := c.match(window)
			if !ok || strings.EqualFold(window, term) {
				continue
			}
			output = append(output, strings.Fields(term)...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  term,
				Confidence: score,
			})
			i += n
			matched = true
			break
		}
		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}
	return strings.Join(output, " "), corrections
}

// match finds the vocabulary term most similar to the window. Phonetic
// candidates (shared Double Metaphone code) are preferred and accepted at
// the lower threshold; otherwise a pure Jaro-Winkler match must clear the
// fuzzy threshold.
func (c *Corrector) match(window string) (term string, score float64, ok bool) {
	windowLower := strings.ToLower(strings.TrimSpace(window))
	if windowLower == "" {
		return window, 0, false
	}
	windowTokens := strings.Fields(windowLower)
	windowCodes := codesForTokens(windowTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, entry := range c.vocab {
		phonetic := codesOverlap(windowCodes, entry.codes)
		jw := bestJaroWinkler(windowTokens, entry.tokens, windowLower, strings.ToLower(entry.term))

		if phonetic {
			if jw >= c.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				best, bestScore, bestPhonetic = entry.term, jw, true
			}
		} else if !bestPhonetic && jw >= c.fuzzyThreshold && jw > bestScore {
			best, bestScore = entry.term, jw
		}
	}
	if best == "" {
		return window, 0, false
	}
	return best, bestScore, true
}

// codesForTokens returns the union of Double Metaphone codes for the
// tokens, excluding empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJaroWinkler scores the window against a term three ways and keeps
// the best: full strings, space-stripped strings, and best pairwise token
// score.
func bestJaroWinkler(windowTokens, termTokens []string, windowFull, termFull string) float64 {
	score := matchr.JaroWinkler(windowFull, termFull, false)

	if len(windowTokens) > 1 || len(termTokens) > 1 {
		a := strings.Join(windowTokens, "")
		b := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(a, b, false); s > score {
			score = s
		}
	}

	for _, wt := range windowTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(wt, tt, false); s > score {
				score = s
			}
		}
	}
	return score
}
