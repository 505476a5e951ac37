package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

// Footer appended to every outgoing email. The monitor uses it to
// strip quoted copies of our own mail out of replies.
const Footer = "This message was forwarded from a bot on the Meshtastic network"

// SMTPConfig carries the outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Sender sends mesh-originated mail over SMTP and records it in the
// store so replies can be threaded back.
type Sender struct {
	cfg    SMTPConfig
	store  *Store
	logger *slog.Logger
}

// NewSender builds a Sender over the given store.
func NewSender(cfg SMTPConfig, store *Store, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{cfg: cfg, store: store, logger: logger.With("component", "smtp")}
}

// Send delivers an email on behalf of a mesh user and returns the
// short id assigned to it. When replyToID names a stored message the
// outgoing mail carries In-Reply-To and References headers pointing
// at the thread root, so mail clients keep the conversation together.
func (s *Sender) Send(ctx context.Context, meshID int64, recipient, subject, body, replyToID string) (string, error) {
	id, err := s.store.NewShortID()
	if err != nil {
		return "", err
	}
	messageID := fmt.Sprintf("%s.%s@meshtastic.local", id, uuid.NewString()[:8])

	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return "", fmt.Errorf("sender address: %w", err)
	}
	if err := m.To(recipient); err != nil {
		return "", fmt.Errorf("recipient address: %w", err)
	}
	m.Subject(subject)
	m.SetMessageIDWithValue(messageID)
	m.SetGenHeader(mail.Header("X-Meshtastic-Sender-ID"), fmt.Sprintf("%d", meshID))
	m.SetGenHeader(mail.Header("X-Meshtastic-Email-ID"), id)

	if replyToID != "" {
		if rootMessageID := s.threadRootMessageID(replyToID); rootMessageID != "" {
			ref := "<" + rootMessageID + ">"
			m.SetGenHeader(mail.HeaderInReplyTo, ref)
			m.SetGenHeader(mail.HeaderReferences, ref)
		}
	}

	m.SetBodyString(mail.TypeTextPlain, body+"\n\n---\n"+Footer)

	client, err := mail.NewClient(s.cfg.Host,
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Username),
		mail.WithPassword(s.cfg.Password),
		mail.WithTLSPortPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return "", fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}

	record := &Message{
		ID:             id,
		SenderMeshID:   meshID,
		SenderEmail:    s.cfg.From,
		RecipientEmail: recipient,
		Subject:        subject,
		Body:           body,
		Timestamp:      time.Now(),
		Direction:      DirectionOutgoing,
		ReplyToID:      replyToID,
		MessageID:      messageID,
	}
	if err := s.store.Save(record); err != nil {
		// Mail is out the door; a failed record only degrades
		// threading for replies.
		s.logger.Error("sent email not recorded", "id", id, "error", err)
	}

	s.logger.Info("email sent",
		"id", id, "to", recipient, "subject", subject, "reply_to", replyToID)
	return id, nil
}

// threadRootMessageID resolves the Message-ID of the root of the
// thread containing replyToID. Empty when nothing usable is stored.
func (s *Sender) threadRootMessageID(replyToID string) string {
	rootID := s.store.RootID(replyToID)
	root, err := s.store.Get(rootID)
	if err != nil {
		return ""
	}
	return strings.Trim(root.MessageID, "<>")
}
