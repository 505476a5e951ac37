// Package ai wraps the Gemini API with per-user chat sessions and the
// strict reply-length discipline a mesh link needs: answers are kept
// between 200 and 600 characters, roughly one to three text frames.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"google.golang.org/genai"
)

// Reply length targets, in characters.
const (
	minChars  = 200
	maxChars  = 600
	idealLow  = 250
	idealHigh = 450
)

const (
	maxAttempts = 3
	retryDelay  = time.Second
)

// systemInstruction is injected once per chat session.
const systemInstruction = `You are a Meshtastic DM bot with strict brevity rules.
- Aim for ~250-450 characters total.
- Never under 200 chars; never over 600 chars.
- 1-3 short bullet points OR one concise paragraph.
- No greetings/preamble/fluff; deliver facts/steps.
- If listing steps, use '- <step>'.`

// Gemini generates replies with one chat session per user, so
// follow-up questions keep their context.
type Gemini struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
	logger *slog.Logger

	mu    sync.Mutex
	chats map[string]*genai.Chat
}

// NewGemini creates the Gemini backend. Fails when the API key is
// missing or the client cannot be constructed, so the bot never
// starts with an unusable AI collaborator.
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  model,
		config: &genai.GenerateContentConfig{
			Temperature:     genai.Ptr[float32](0.6),
			TopP:            genai.Ptr[float32](0.8),
			TopK:            genai.Ptr[float32](40),
			MaxOutputTokens: 200,
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: systemInstruction}},
			},
		},
		logger: logger.With("component", "ai"),
		chats:  make(map[string]*genai.Chat),
	}, nil
}

// GenerateReply sends the prompt in the user's chat session and
// returns a reply bounded to the mesh-friendly length window.
func (g *Gemini) GenerateReply(ctx context.Context, userID, prompt string) (string, error) {
	chat, err := g.chatFor(ctx, userID)
	if err != nil {
		return "", err
	}

	concise := prompt + "\n\n(Reply concisely per rules: ~250-450 chars total; " +
		"never under 200 or over 600; use 1-3 short bullets or a compact paragraph; no fluff.)"

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := chat.SendMessage(ctx, genai.Part{Text: concise})
		if err != nil {
			lastErr = err
			g.logger.Warn("gemini request failed", "attempt", attempt, "error", err)
			if attempt < maxAttempts {
				select {
				case <-time.After(retryDelay * time.Duration(attempt)):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			continue
		}
		raw := strings.TrimSpace(resp.Text())
		if raw == "" {
			g.logger.Warn("empty gemini response", "attempt", attempt)
			continue
		}
		return g.boundLength(ctx, chat, raw), nil
	}
	return "", fmt.Errorf("gemini: all %d attempts failed: %w", maxAttempts, lastErr)
}

// Reset drops the user's chat session; the next prompt starts fresh.
func (g *Gemini) Reset(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.chats, userID)
}

// chatFor returns the user's chat session, creating one on first use.
// The session handle is opaque; only the genai SDK inspects it.
func (g *Gemini) chatFor(ctx context.Context, userID string) (*genai.Chat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if chat, ok := g.chats[userID]; ok {
		return chat, nil
	}
	chat, err := g.client.Chats.Create(ctx, g.model, g.config, nil)
	if err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}
	g.chats[userID] = chat
	return chat, nil
}

// boundLength enforces the reply window: one expansion attempt when
// too short, sentence-boundary trimming when too long.
func (g *Gemini) boundLength(ctx context.Context, chat *genai.Chat, text string) string {
	text = cleanWhitespace(text)

	if len(text) < minChars {
		expand := fmt.Sprintf(
			"Please expand the previous answer to roughly %d-%d characters. "+
				"Do not add fluff; add only essential specifics.", idealLow, idealHigh)
		if resp, err := chat.SendMessage(ctx, genai.Part{Text: expand}); err == nil {
			if expanded := cleanWhitespace(resp.Text()); expanded != "" {
				text = expanded
			}
		} else {
			g.logger.Warn("expansion step failed", "error", err)
		}
	}

	if len(text) > maxChars {
		text = trimToMaxChars(text)
	}
	return text
}

// cleanWhitespace collapses all whitespace runs to single spaces.
func cleanWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// trimToMaxChars cuts at the latest sentence-ish boundary under the
// byte limit, falling back to a hard cut on a rune boundary.
func trimToMaxChars(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxChars {
		return s
	}
	window := cutRuneSafe(s, maxChars)
	best := -1
	for _, sep := range []string{". ", "! ", "? ", "\n", " - "} {
		if idx := strings.LastIndex(window, sep); idx != -1 {
			if end := idx + len(strings.TrimSpace(sep)); end > best {
				best = end
			}
		}
	}
	if best > 0 {
		return strings.TrimSpace(s[:best])
	}
	return strings.TrimRight(window, " ")
}

// cutRuneSafe returns the longest prefix of s at most n bytes long
// that does not end inside a multi-byte UTF-8 sequence.
func cutRuneSafe(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
