package bot

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avalkov/meshbridge/pkg/meshbridge/email"
)

// mailRetention is how long stored emails are kept before the daily
// cleanup removes them.
const mailRetention = 30 * 24 * time.Hour

// replyBodyIndicators mark lines that belong to a quoted thread
// rather than the fresh reply text.
var replyBodyIndicators = []string{
	"on ", " wrote:", "from:", "sent:", "to:", "subject:",
	"date:", "message-id:", "in-reply-to:", "references:",
}

// Relay periodically checks the inbox for new replies and forwards
// pending ones back to their mesh users.
type Relay struct {
	bot      *Bot
	monitor  *email.Monitor
	store    *email.Store
	interval time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewRelay builds the reply relay around a running bot.
func NewRelay(b *Bot, monitor *email.Monitor, store *email.Store, interval time.Duration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Relay{
		bot:      b,
		monitor:  monitor,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "relay"),
	}
}

// Start schedules the poll and the daily mail cleanup. Stop with
// Stop.
func (r *Relay) Start() error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(spec, r.poll); err != nil {
		return fmt.Errorf("schedule relay poll: %w", err)
	}
	if _, err := r.cron.AddFunc("@daily", r.cleanupMail); err != nil {
		return fmt.Errorf("schedule mail cleanup: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reply relay started", "interval", r.interval)
	return nil
}

// Stop halts the schedule and waits for a running poll to finish.
func (r *Relay) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// poll runs one relay cycle: pull unseen mail from the inbox, then
// forward every pending reply whose origin is known.
func (r *Relay) poll() {
	if r.monitor != nil {
		if n, err := r.monitor.CheckInbox(); err != nil {
			r.logger.Warn("inbox check failed", "error", err)
		} else if n > 0 {
			r.logger.Info("new replies captured", "count", n)
		}
	}

	pending, err := r.store.PendingReplies()
	if err != nil {
		r.logger.Error("pending replies query failed", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	// Replies are routed through a gateway we have seen traffic
	// from. Until one appears the replies stay pending.
	gateway, ok := r.bot.anyGateway()
	if !ok {
		r.logger.Warn("replies pending but no gateway seen yet", "count", len(pending))
		return
	}

	for _, reply := range pending {
		r.forward(gateway, reply)
	}
}

// cleanupMail drops stored emails older than the retention period.
func (r *Relay) cleanupMail() {
	if _, err := r.store.CleanupOlderThan(mailRetention); err != nil {
		r.logger.Error("mail cleanup failed", "error", err)
	}
}

// forward relays one pending reply to the mesh user who sent the
// original email.
func (r *Relay) forward(gateway string, reply *email.Message) {
	original, err := r.store.Get(reply.ReplyToID)
	if err != nil {
		r.logger.Warn("reply origin missing", "id", reply.ID, "reply_to", reply.ReplyToID)
		return
	}
	if original.SenderMeshID <= 0 {
		r.logger.Warn("reply origin has no mesh owner", "id", reply.ID, "origin", original.ID)
		return
	}

	body := CleanEmailBody(reply.Body)
	message := fmt.Sprintf("Email Reply Received\nFrom: %s\nSubject: %s\n\n%s\n\nEmail ID: %s",
		reply.SenderEmail, reply.Subject, body, reply.ID)
	r.bot.sendChunked(gateway, uint32(original.SenderMeshID), message)

	if err := r.store.MarkReplyProcessed(reply.ID, original.SenderMeshID); err != nil {
		r.logger.Error("reply not marked processed", "id", reply.ID, "error", err)
		return
	}
	r.logger.Info("reply forwarded", "id", reply.ID, "to", original.SenderMeshID)
}

// CleanEmailBody strips quoted thread content out of a reply so only
// the fresh text travels over the radio link. Lines that look like
// reply headers or quotes are dropped and everything after the bot
// footer is cut. When cleaning leaves nothing usable the original
// body is returned truncated instead.
func CleanEmailBody(body string) string {
	if body == "" {
		return ""
	}

	var kept []string
	for _, line := range strings.Split(body, "\n") {
		low := strings.ToLower(line)
		if strings.Contains(low, strings.ToLower(email.Footer)) {
			break
		}
		if hasReplyIndicator(low) {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}

	result := strings.TrimSpace(strings.Join(kept, "\n"))
	if len(result) >= 5 {
		return result
	}

	fallback := body
	if len(fallback) > 200 {
		fallback = truncateRunes(fallback, 200) + "..."
	}
	return strings.TrimSpace(fallback)
}

func hasReplyIndicator(lowLine string) bool {
	for _, indicator := range replyBodyIndicators {
		if strings.Contains(lowLine, indicator) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8ValidCut(s, n) {
		n--
	}
	return s[:n]
}

func utf8ValidCut(s string, n int) bool {
	// A cut is valid when the next byte is not a UTF-8 continuation
	// byte.
	return n >= len(s) || s[n]&0xC0 != 0x80
}
