package bot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/avalkov/meshbridge/pkg/meshbridge/email"
	"github.com/avalkov/meshbridge/pkg/meshbridge/session"
)

const emailSyntax = "Email syntax: /email <recipient_email> <subject>\nExample: /email user@example.com Hello there"

// handleEmailCompose starts a fresh outbound email draft: parse
// recipient and subject, then wait for the body as the next DM.
func (b *Bot) handleEmailCompose(gw string, from uint32, userID, args string) {
	if !b.emailEnabled() {
		b.sendDM(gw, from, "Email features are not enabled on this bot.")
		return
	}
	b.markKnown(userID)
	b.sessions.CreateOrRefresh(userID)
	b.sessions.ClearAllEmailState(userID)

	if args == "" || !strings.Contains(args, " ") {
		b.sendDM(gw, from, emailSyntax)
		return
	}

	// Everything after the first space is the subject.
	space := strings.Index(args, " ")
	recipient := args[:space]
	subject := strings.TrimSpace(args[space+1:])

	if !strings.Contains(recipient, "@") || !strings.Contains(recipient, ".") {
		b.sendDM(gw, from, "Please provide a valid email address.")
		return
	}

	b.sessions.SetEmailDraft(userID, session.EmailDraft{RecipientEmail: recipient, Subject: subject})
	b.sessions.SetEmailBodyWait(userID, true)
	b.sendDM(gw, from, fmt.Sprintf(
		"Email draft prepared:\nTo: %s\nSubject: %s\n\nNow send me the email body content.",
		recipient, subject))
}

// handleEmailReply starts a reply draft to a stored email. The
// subject is generated; the next DM becomes the body.
func (b *Bot) handleEmailReply(gw string, from uint32, userID, args string) {
	if !b.emailEnabled() {
		b.sendDM(gw, from, "Email features are not enabled on this bot.")
		return
	}
	b.markKnown(userID)
	b.sessions.CreateOrRefresh(userID)
	b.sessions.ClearAllEmailState(userID)

	if args == "" {
		b.sendDM(gw, from, "Reply syntax: /email reply <email_id>\nExample: /email reply AB123")
		return
	}

	original, ok := b.lookupOwned(gw, from, args)
	if !ok {
		return
	}

	subject := replySubject(original.Subject)
	b.sessions.SetEmailDraft(userID, session.EmailDraft{
		RecipientEmail: original.SenderEmail,
		Subject:        subject,
		ReplyToID:      original.ID,
	})
	b.sessions.SetEmailBodyWait(userID, true)
	b.sendDM(gw, from, fmt.Sprintf(
		"Reply email draft prepared:\nTo: %s\nSubject: %s\n\nNow send me the reply body content.",
		original.SenderEmail, subject))
}

// handleEmailBody consumes free DM text as the body of the pending
// draft and sends the email.
func (b *Bot) handleEmailBody(gw string, from uint32, userID, body string) {
	draft, ok := b.sessions.EmailDraft(userID)
	if !ok {
		b.sendDM(gw, from, "No email draft found. Please start over with /email command.")
		b.sessions.ClearAllEmailState(userID)
		return
	}

	id, err := b.mailer.Send(b.ctx, int64(from), draft.RecipientEmail, draft.Subject, strings.TrimSpace(body), draft.ReplyToID)
	if err != nil {
		b.logger.Error("email send failed", "user", userID, "to", draft.RecipientEmail, "error", err)
		b.sendDM(gw, from, "Failed to send email: "+err.Error())
	} else {
		b.sendDM(gw, from, fmt.Sprintf(
			"Email sent successfully!\nEmail ID: %s\n\nYou can use /email get %s to view this email later.",
			id, id))
	}
	b.sessions.ClearAllEmailState(userID)
}

// handleEmailLookup is the shared front of /email get, thread and
// debug: refresh the session, resolve the id, enforce ownership, then
// hand off to the subcommand's formatter.
func (b *Bot) handleEmailLookup(gw string, from uint32, userID, id, usage string, show func(gw string, from uint32, m *email.Message)) {
	if !b.emailEnabled() {
		b.sendDM(gw, from, "Email features are not enabled on this bot.")
		return
	}
	b.markKnown(userID)
	b.sessions.CreateOrRefresh(userID)

	if id == "" {
		b.sendDM(gw, from, usage)
		return
	}
	m, ok := b.lookupOwned(gw, from, id)
	if !ok {
		return
	}
	show(gw, from, m)
}

// lookupOwned fetches an email and enforces that the requesting node
// owns it. Sends the error DM itself when not.
func (b *Bot) lookupOwned(gw string, from uint32, id string) (*email.Message, bool) {
	m, err := b.store.Get(id)
	if errors.Is(err, email.ErrNotFound) {
		b.sendDM(gw, from, fmt.Sprintf("Email with ID %s not found.", id))
		return nil, false
	}
	if err != nil {
		b.logger.Error("email lookup failed", "id", id, "error", err)
		b.sendDM(gw, from, fmt.Sprintf("Email with ID %s not found.", id))
		return nil, false
	}
	if m.SenderMeshID != int64(from) {
		b.sendDM(gw, from, "You don't have access to this email.")
		return nil, false
	}
	return m, true
}

func (b *Bot) sendEmailDetails(gw string, from uint32, m *email.Message) {
	direction := "Received"
	if m.Direction == email.DirectionOutgoing {
		direction = "Sent"
	}
	details := fmt.Sprintf(
		"Email ID: %s\nDirection: %s\nTimestamp: %s\nFrom: %s\nTo: %s\nSubject: %s\nBody:\n%s",
		m.ID, direction, m.Timestamp.Format("2006-01-02 15:04:05"),
		m.SenderEmail, m.RecipientEmail, m.Subject, m.Body)
	b.sendChunked(gw, from, details)
}

func (b *Bot) sendEmailThread(gw string, from uint32, m *email.Message) {
	thread, err := b.store.Thread(m.ID)
	if err != nil {
		b.logger.Error("thread lookup failed", "id", m.ID, "error", err)
	}
	if len(thread) == 0 {
		b.sendDM(gw, from, fmt.Sprintf("No thread found for email %s", m.ID))
		return
	}
	b.sendDM(gw, from, fmt.Sprintf("Email Thread for %s:", m.ID))
	for i, entry := range thread {
		arrow := "<-"
		if entry.Direction == email.DirectionOutgoing {
			arrow = "->"
		}
		b.sendChunked(gw, from, fmt.Sprintf(
			"%d. %s %s - %s\n   From: %s\n   To: %s\n   Time: %s",
			i+1, arrow, entry.ID, entry.Subject, entry.SenderEmail,
			entry.RecipientEmail, entry.Timestamp.Format("2006-01-02 15:04:05")))
	}
}

func (b *Bot) sendEmailDebug(gw string, from uint32, m *email.Message) {
	info, err := b.store.DebugThreading(m.ID)
	if err != nil {
		b.logger.Error("debug lookup failed", "id", m.ID, "error", err)
		return
	}
	b.sendDM(gw, from, info)
}

// replySubject follows mail conventions: one "Re: " prefix, never
// stacked.
func replySubject(original string) string {
	if original == "" {
		return "Re: Message"
	}
	if strings.HasPrefix(strings.ToLower(original), "re: ") {
		return original
	}
	return "Re: " + original
}
