// Package chunker splits outbound replies into fragments small enough
// for a single mesh text frame. Splitting prefers sentence boundaries,
// falls back to words, and only truncates when a single word exceeds
// the frame size. All limits are UTF-8 byte lengths, never rune
// counts: the radio link carries bytes.
package chunker

import (
	"regexp"
	"strings"
)

// DefaultMaxBytes is the usable payload of one mesh text frame.
const DefaultMaxBytes = 180

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// Chunker splits text into frame-sized fragments.
type Chunker struct {
	maxBytes int
}

// New returns a Chunker with the given byte limit per fragment.
// Non-positive limits fall back to DefaultMaxBytes.
func New(maxBytes int) *Chunker {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Chunker{maxBytes: maxBytes}
}

// Chunk splits text into ordered fragments, each at most maxBytes of
// UTF-8. Text that already fits is returned as a single fragment.
func (c *Chunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.maxBytes {
		return []string{text}
	}

	var chunks []string
	var current string

	for _, sentence := range splitSentences(text) {
		test := current + sentence
		if len(test) <= c.maxBytes {
			current = test
			continue
		}
		if current != "" {
			chunks = append(chunks, strings.TrimSpace(current))
			current = sentence
			continue
		}
		// A single sentence over the limit: split it by words.
		chunks = append(chunks, c.chunkWords(sentence)...)
		current = ""
	}
	if current != "" {
		chunks = append(chunks, strings.TrimSpace(current))
	}

	return c.validate(chunks)
}

// splitSentences cuts on terminal punctuation followed by whitespace,
// keeping the punctuation and one trailing space on each piece.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		piece := text[last:loc[0]]
		if strings.TrimSpace(piece) != "" {
			out = append(out, piece+text[loc[0]:loc[0]+1]+" ")
		}
		last = loc[1]
	}
	if rest := text[last:]; strings.TrimSpace(rest) != "" {
		out = append(out, rest)
	}
	return out
}

// chunkWords greedily packs words; a single oversized word is
// truncated to the longest byte-safe prefix.
func (c *Chunker) chunkWords(text string) []string {
	var chunks []string
	var current string

	for _, word := range strings.Fields(text) {
		test := word
		if current != "" {
			test = current + " " + word
		}
		if len(test) <= c.maxBytes {
			current = test
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
			current = word
			continue
		}
		chunks = append(chunks, truncateBytes(word, c.maxBytes))
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// validate trims fragments, drops empty ones and re-truncates
// anything still over the limit. Greedy packing keeps non-final
// fragments near the limit; a short final fragment is unavoidable and
// kept so no content is lost.
func (c *Chunker) validate(chunks []string) []string {
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		if len(chunk) > c.maxBytes {
			chunk = truncateBytes(chunk, c.maxBytes)
		}
		out = append(out, chunk)
	}
	return out
}

// truncateBytes returns the longest prefix of s whose UTF-8 encoding
// fits in maxBytes, found by binary search on the rune boundary. It
// never cuts inside a multi-byte sequence.
func truncateBytes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	runes := []rune(s)
	lo, hi, best := 0, len(runes), 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if len(string(runes[:mid])) <= maxBytes {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:best])
}
