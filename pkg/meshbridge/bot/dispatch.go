package bot

import (
	"strconv"
	"strings"

	"github.com/avalkov/meshbridge/pkg/meshbridge/mesh"
)

// Public-channel nudges. Commands on a shared channel never get real
// answers, only a pointer to DM.
const (
	nudgeBot     = "Please DM me and use /ai, /weather, or /email there. For help: send /help in DM."
	nudgeWeather = "Please DM me and send /weather (optionally add 'lat,lon' or 'City, Country')."
	nudgeHelp    = "Help is available via DM. Send /help to me in a private message."
	nudgeEmail   = "Please DM me and send /email <recipient_email> <subject> to send an email. Use /email reply <id> to maintain email threads."
)

var helpText = "Commands:\n" + strings.Join([]string{
	"/ai <question> — ask the AI (context-aware).",
	"/weather — try GPS, then ask for a typed location.",
	"/weather <lat,lon> — override with coordinates.",
	"/weather <City[, Country]> — override with place name.",
	"/weather clear — forget cached location.",
	"/email <email> <subject> — send an email.",
	"/email get <id> — view email details.",
	"/email thread <id> — view complete email conversation.",
	"/email reply <id> — reply to an email (subject auto-generated).",
	"/email debug <id> — debug email threading information.",
	"/bot — brief intro and tips.",
}, "\n")

// dispatch routes one text packet. Public commands get nudges only;
// everything stateful happens in DM. Unrecognized DM text is first
// offered to the pending weather and email-body continuations, then
// dropped without a reply.
func (b *Bot) dispatch(pkt *mesh.Packet) {
	text := strings.TrimSpace(pkt.Text)
	low := strings.ToLower(text)
	gw := pkt.Gateway

	if pkt.IsPublic() {
		switch {
		case strings.Contains(low, "/bot"), strings.HasPrefix(low, "/ai"):
			b.sendNudge(gw, nudgeBot)
		case strings.HasPrefix(low, "/weather"):
			b.sendNudge(gw, nudgeWeather)
		case strings.HasPrefix(low, "/help"):
			b.sendNudge(gw, nudgeHelp)
		case strings.HasPrefix(low, "/email"):
			b.sendNudge(gw, nudgeEmail)
		}
		return
	}

	if pkt.From == 0 {
		b.logger.Debug("private message without sender dropped")
		return
	}
	userID := strconv.FormatUint(uint64(pkt.From), 10)

	switch {
	case strings.Contains(low, "/bot"):
		b.handleBot(gw, pkt.From, userID)

	case strings.HasPrefix(low, "/help"):
		b.markKnown(userID)
		b.sessions.CreateOrRefresh(userID)
		b.sendChunked(gw, pkt.From, helpText)

	case strings.HasPrefix(low, "/ai"):
		b.handleAI(gw, pkt.From, userID, strings.TrimSpace(text[len("/ai"):]))

	case strings.HasPrefix(low, "/weather"):
		b.handleWeather(gw, pkt.From, userID, strings.TrimSpace(text[len("/weather"):]))

	// Subcommands before the bare /email prefix.
	case strings.HasPrefix(low, "/email get"):
		b.handleEmailLookup(gw, pkt.From, userID, strings.TrimSpace(text[len("/email get"):]),
			"Please provide an email ID: /email get <email_id>", b.sendEmailDetails)

	case strings.HasPrefix(low, "/email thread"):
		b.handleEmailLookup(gw, pkt.From, userID, strings.TrimSpace(text[len("/email thread"):]),
			"Please provide an email ID: /email thread <email_id>", b.sendEmailThread)

	case strings.HasPrefix(low, "/email debug"):
		b.handleEmailLookup(gw, pkt.From, userID, strings.TrimSpace(text[len("/email debug"):]),
			"Please provide an email ID: /email debug <email_id>", b.sendEmailDebug)

	case strings.HasPrefix(low, "/email reply"):
		b.handleEmailReply(gw, pkt.From, userID, strings.TrimSpace(text[len("/email reply"):]))

	case strings.HasPrefix(low, "/email"):
		b.handleEmailCompose(gw, pkt.From, userID, strings.TrimSpace(text[len("/email"):]))

	default:
		// Free text: pending weather location wins over a pending
		// email body, matching the order the waits are announced.
		if b.sessions.HasPendingWeatherRequest(userID) {
			b.handleLocationAttempt(gw, pkt.From, userID, text)
			return
		}
		if b.sessions.IsWaitingForEmailBody(userID) {
			b.handleEmailBody(gw, pkt.From, userID, text)
			return
		}
		b.logger.Debug("unaddressed dm dropped", "user", userID)
	}
}

func (b *Bot) handleBot(gw string, from uint32, userID string) {
	b.markKnown(userID)
	b.sessions.CreateOrRefresh(userID)
	b.sendDM(gw, from, "Hi! I'm your Gemini bot. Use /ai <question>, /weather, or /email commands. (/weather clear for new weather request)")
}

func (b *Bot) handleAI(gw string, from uint32, userID, question string) {
	if question == "" {
		b.sendDM(gw, from, "Send /ai followed by your question.")
		return
	}
	b.markKnown(userID)
	b.sessions.CreateOrRefresh(userID)

	resp, err := b.ai.GenerateReply(b.ctx, userID, question)
	if err != nil {
		b.logger.Error("ai request failed", "user", userID, "error", err)
		b.sendDM(gw, from, "AI request failed: "+err.Error())
		return
	}
	b.sendChunked(gw, from, resp)
}
