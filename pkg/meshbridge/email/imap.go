package email

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// IMAPConfig carries the inbox monitoring settings.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Subjects and sender addresses that indicate system mail rather
// than a human reply.
var (
	systemSubjects = []string{
		"delivery", "bounce", "failure", "notification", "security",
		"verification", "welcome", "setup", "account", "google",
		"gmail", "no-reply", "noreply",
	}
	systemSenders = []string{
		"no-reply", "noreply", "mailer-daemon", "postmaster",
		"google", "gmail",
	}
)

// Monitor watches the inbox over IMAP and files unseen replies into
// the store for the relay poller to pick up.
type Monitor struct {
	cfg    IMAPConfig
	store  *Store
	logger *slog.Logger
}

// NewMonitor builds an inbox Monitor over the given store.
func NewMonitor(cfg IMAPConfig, store *Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, store: store, logger: logger.With("component", "imap")}
}

// CheckInbox connects, processes every unseen message, marks them
// seen and disconnects. Returns the number of replies stored.
func (m *Monitor) CheckInbox() (int, error) {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	c, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return 0, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	defer c.Logout()

	if err := c.Login(m.cfg.Username, m.cfg.Password); err != nil {
		return 0, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select("INBOX", false); err != nil {
		return 0, fmt.Errorf("imap select inbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return 0, fmt.Errorf("imap search unseen: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	stored := 0
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		if m.processMessage(body) {
			stored++
		}
	}
	if err := <-done; err != nil {
		return stored, fmt.Errorf("imap fetch: %w", err)
	}

	flags := []interface{}{imap.SeenFlag}
	if err := c.Store(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		m.logger.Warn("unseen flag not cleared", "error", err)
	}
	return stored, nil
}

// processMessage parses one raw message and stores it as an incoming
// reply when it belongs to a mesh conversation. Returns true when a
// record was stored.
func (m *Monitor) processMessage(r io.Reader) bool {
	mr, err := gomail.CreateReader(r)
	if err != nil {
		m.logger.Warn("incoming mail unreadable", "error", err)
		return false
	}

	header := mr.Header
	sender := addressOf(header, "From")
	recipient := addressOf(header, "To")
	subject, _ := header.Subject()
	meshEmailID := header.Get("X-Meshtastic-Email-ID")
	inReplyTo := header.Get("In-Reply-To")
	references := header.Get("References")
	messageID := strings.Trim(header.Get("Message-Id"), "<>")

	if !m.isMeshReply(meshEmailID, inReplyTo, references, sender, recipient, subject) {
		m.logger.Debug("incoming mail ignored", "from", sender, "subject", subject)
		return false
	}

	body := plainTextBody(mr)

	// Resolve the original mesh email. The custom header is
	// authoritative; standard threading headers carry provider
	// message ids we cannot look up, so fall back to matching the
	// reply subject against our outgoing mail.
	replyToID := meshEmailID
	if replyToID == "" {
		if id, ok := m.store.MatchOutgoingBySubject(sender, subject); ok {
			replyToID = id
		} else {
			m.logger.Warn("reply origin not identified", "from", sender, "subject", subject)
		}
	}

	id, err := m.store.NewShortID()
	if err != nil {
		m.logger.Error("short id generation failed", "error", err)
		return false
	}
	if messageID == "" {
		messageID = fmt.Sprintf("%s.%s@meshtastic.local", id, uuid.NewString()[:8])
	}

	record := &Message{
		ID:             id,
		SenderMeshID:   MeshIDUnresolved,
		SenderEmail:    sender,
		RecipientEmail: m.cfg.Username,
		Subject:        subject,
		Body:           body,
		Timestamp:      time.Now(),
		Direction:      DirectionIncoming,
		ReplyToID:      replyToID,
		MessageID:      messageID,
	}
	if err := m.store.Save(record); err != nil {
		m.logger.Error("incoming reply not stored", "error", err)
		return false
	}
	m.logger.Info("incoming reply stored", "id", id, "from", sender, "reply_to", replyToID)
	return true
}

// isMeshReply decides whether incoming mail belongs to a mesh
// conversation. The custom header or standard threading headers are
// accepted outright; otherwise the mail must be addressed to us and
// look like a human reply rather than system mail.
func (m *Monitor) isMeshReply(meshEmailID, inReplyTo, references, sender, recipient, subject string) bool {
	if meshEmailID != "" || inReplyTo != "" || references != "" {
		return true
	}
	if recipient != m.cfg.Username || subject == "" || sender == "" {
		return false
	}
	lowSubject := strings.ToLower(subject)
	for _, indicator := range systemSubjects {
		if strings.Contains(lowSubject, indicator) {
			return false
		}
	}
	lowSender := strings.ToLower(sender)
	for _, indicator := range systemSenders {
		if strings.Contains(lowSender, indicator) {
			return false
		}
	}
	return true
}

// addressOf returns the bare address of the first entry in an
// address header, or the raw header value when it does not parse.
func addressOf(header gomail.Header, key string) string {
	list, err := header.AddressList(key)
	if err == nil && len(list) > 0 {
		return list[0].Address
	}
	raw := header.Get(key)
	if start := strings.Index(raw, "<"); start >= 0 {
		if end := strings.Index(raw[start:], ">"); end > 0 {
			return raw[start+1 : start+end]
		}
	}
	return strings.TrimSpace(raw)
}

// plainTextBody returns the first text/plain part of the message.
func plainTextBody(mr *gomail.Reader) string {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return ""
		}
		if err != nil {
			return ""
		}
		if h, ok := p.Header.(*gomail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			if ct == "text/plain" || ct == "" {
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return ""
				}
				return string(b)
			}
		}
	}
}
