// Package words implements WordSource (C1): the 50-word challenge string
// every match types against.
package words

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"math/rand/v2"
	"strings"
)

//go:embed wordlist
var wordlistFS embed.FS

var vocabulary = mustLoadVocabulary()

func mustLoadVocabulary() []string {
	f, err := wordlistFS.Open("wordlist/words.txt")
	if err != nil {
		panic(fmt.Sprintf("words: loading embedded vocabulary: %v", err))
	}
	defer f.Close()

	var words []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		w := strings.TrimSpace(sc.Text())
		if w != "" {
			words = append(words, w)
		}
	}
	if err := sc.Err(); err != nil {
		panic(fmt.Sprintf("words: scanning embedded vocabulary: %v", err))
	}
	if len(words) < WordCount {
		panic(fmt.Sprintf("words: vocabulary has %d entries, need at least %d", len(words), WordCount))
	}
	return words
}

// WordCount is the normative challenge length (spec.md §6.3).
const WordCount = 50

// Source produces the per-match word list. It is pure and reentrant: no
// mutable state is shared between calls beyond the read-only vocabulary.
type Source struct{}

// NewSource returns a ready-to-use WordSource.
func NewSource() *Source { return &Source{} }

// Generate draws WordCount tokens from the vocabulary. Adjacent tokens are
// never identical, matching the non-empty-uniqueness-where-practical
// contract in spec.md §4.1.
func (s *Source) Generate() []string {
	out := make([]string, WordCount)
	var prev string
	for i := range out {
		w := vocabulary[rand.IntN(len(vocabulary))]
		for w == prev {
			w = vocabulary[rand.IntN(len(vocabulary))]
		}
		out[i] = w
		prev = w
	}
	return out
}

// JoinWords composes WordText: the words joined by single spaces.
func JoinWords(words []string) string {
	var b bytes.Buffer
	for i, w := range words {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String()
}
