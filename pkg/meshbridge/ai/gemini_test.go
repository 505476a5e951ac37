package ai

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"google.golang.org/genai"
)

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := NewGemini(context.Background(), "", "gemini-1.5-flash", nil)
	if err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestCleanWhitespace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"  leading and trailing  ", "leading and trailing"},
		{"internal\n\nnewlines\tand\ttabs", "internal newlines and tabs"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := cleanWhitespace(tt.in); got != tt.want {
			t.Errorf("cleanWhitespace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTrimToMaxCharsShortInputUntouched(t *testing.T) {
	t.Parallel()

	in := "A short answer that fits."
	if got := trimToMaxChars(in); got != in {
		t.Errorf("trimToMaxChars = %q, want unchanged", got)
	}
}

func TestTrimToMaxCharsCutsAtSentence(t *testing.T) {
	t.Parallel()

	sentence := "This sentence has exactly some words in it and ends cleanly. "
	in := strings.Repeat(sentence, 20)

	got := trimToMaxChars(in)
	if len(got) > maxChars {
		t.Fatalf("trimmed reply is %d chars", len(got))
	}
	if !strings.HasSuffix(got, ".") {
		t.Errorf("trimmed reply ends %q, want sentence boundary", got[len(got)-10:])
	}
}

func TestTrimToMaxCharsHardCutWithoutBoundary(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("x", maxChars+100)
	got := trimToMaxChars(in)
	if len(got) != maxChars {
		t.Errorf("hard cut length = %d, want %d", len(got), maxChars)
	}
}

func TestTrimToMaxCharsMultibyteStaysValidUTF8(t *testing.T) {
	t.Parallel()

	// No sentence boundary anywhere: forces the hard cut, which must
	// not land inside a multi-byte sequence.
	in := "a" + strings.Repeat("天", 400)
	got := trimToMaxChars(in)
	if len(got) > maxChars {
		t.Fatalf("trimmed reply is %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("trimmed reply is not valid UTF-8: % x", got[len(got)-4:])
	}

	// With a boundary present the cut still lands on it.
	in = "First sentence ends here. " + strings.Repeat("天", 400)
	if got := trimToMaxChars(in); got != "First sentence ends here." {
		t.Errorf("trimmed reply = %q, want the sentence before the multibyte run", got)
	}
}

func TestResetDropsChatSession(t *testing.T) {
	t.Parallel()

	g := &Gemini{chats: map[string]*genai.Chat{"42": nil, "43": nil}}
	g.Reset("42")
	if _, ok := g.chats["42"]; ok {
		t.Error("chat session survived reset")
	}
	if _, ok := g.chats["43"]; !ok {
		t.Error("reset touched another user's session")
	}
}

func TestTrimToMaxCharsPrefersLatestBoundary(t *testing.T) {
	t.Parallel()

	early := "First part ends here. "
	filler := strings.Repeat("word ", 100) // no sentence ends
	late := "Second part ends here. "
	in := early + late + filler + strings.Repeat("y", maxChars)

	got := trimToMaxChars(in)
	if !strings.HasSuffix(got, "Second part ends here.") {
		t.Errorf("trimmed reply = %q, want cut after the later sentence", got)
	}
}
