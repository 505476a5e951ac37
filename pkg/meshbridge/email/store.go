// Package email implements the mail side of the bridge: a sqlite
// store of every message that crossed it, an SMTP sender that keeps
// Gmail threading intact, and an IMAP monitor that captures replies
// for relay back to the mesh.
package email

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the mail store.
)

// Sentinel mesh ids for incoming mail.
const (
	// MeshIDUnresolved marks an incoming reply not yet relayed.
	MeshIDUnresolved = 0

	// MeshIDInvalid marks incoming mail that can never be relayed
	// (system mail, no reply chain).
	MeshIDInvalid = -1
)

// ErrNotFound is returned for unknown email ids.
var ErrNotFound = errors.New("email not found")

// Direction of a stored message relative to the mesh user.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Message is one stored email record.
type Message struct {
	// ID is the short user-facing id (two letters, three digits).
	ID string

	// SenderMeshID is the mesh node that owns the message. For
	// incoming mail it is MeshIDUnresolved until relayed.
	SenderMeshID int64

	SenderEmail    string
	RecipientEmail string
	Subject        string
	Body           string
	Timestamp      time.Time
	Direction      Direction

	// ReplyToID links replies to the message they answer.
	ReplyToID string

	// MessageID is the RFC 5322 Message-ID used for threading.
	MessageID string
}

// Store persists email records and the known-sender set in sqlite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the mail store at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open mail store: %w", err)
	}
	s := &Store{db: db, logger: logger.With("component", "emailstore")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS emails (
	id              TEXT PRIMARY KEY,
	sender_mesh_id  INTEGER NOT NULL,
	sender_email    TEXT NOT NULL,
	recipient_email TEXT NOT NULL,
	subject         TEXT NOT NULL,
	body            TEXT NOT NULL,
	timestamp       INTEGER NOT NULL,
	direction       TEXT NOT NULL,
	reply_to_id     TEXT NOT NULL DEFAULT '',
	message_id      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_emails_reply_to ON emails(reply_to_id);
CREATE INDEX IF NOT EXISTS idx_emails_direction ON emails(direction);
CREATE TABLE IF NOT EXISTS known_senders (
	user_id    TEXT PRIMARY KEY,
	first_seen INTEGER NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate mail store: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a message record.
func (s *Store) Save(m *Message) error {
	_, err := s.db.Exec(`
INSERT OR REPLACE INTO emails
	(id, sender_mesh_id, sender_email, recipient_email, subject, body,
	 timestamp, direction, reply_to_id, message_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderMeshID, m.SenderEmail, m.RecipientEmail, m.Subject,
		m.Body, m.Timestamp.Unix(), string(m.Direction), m.ReplyToID, m.MessageID)
	if err != nil {
		return fmt.Errorf("save email %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the message with the given short id.
func (s *Store) Get(id string) (*Message, error) {
	row := s.db.QueryRow(`
SELECT id, sender_mesh_id, sender_email, recipient_email, subject, body,
       timestamp, direction, reply_to_id, message_id
FROM emails WHERE id = ?`, id)
	return scanMessage(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var ts int64
	var dir string
	err := row.Scan(&m.ID, &m.SenderMeshID, &m.SenderEmail, &m.RecipientEmail,
		&m.Subject, &m.Body, &ts, &dir, &m.ReplyToID, &m.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan email: %w", err)
	}
	m.Timestamp = time.Unix(ts, 0)
	m.Direction = Direction(dir)
	return &m, nil
}

// Thread returns the full conversation containing id: the chain up to
// the root plus every reply into the chain, ordered by timestamp.
func (s *Store) Thread(id string) ([]*Message, error) {
	seen := make(map[string]bool)
	var thread []*Message

	// Walk up to the root.
	current := id
	for current != "" && !seen[current] {
		m, err := s.Get(current)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		seen[m.ID] = true
		thread = append(thread, m)
		current = m.ReplyToID
	}
	if len(thread) == 0 {
		return nil, nil
	}

	// Collect replies into the chain.
	for grew := true; grew; {
		grew = false
		ids := make([]string, 0, len(seen))
		for tid := range seen {
			ids = append(ids, tid)
		}
		for _, tid := range ids {
			rows, err := s.db.Query(`
SELECT id, sender_mesh_id, sender_email, recipient_email, subject, body,
       timestamp, direction, reply_to_id, message_id
FROM emails WHERE reply_to_id = ?`, tid)
			if err != nil {
				return nil, fmt.Errorf("query replies: %w", err)
			}
			for rows.Next() {
				m, err := scanMessage(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
				if !seen[m.ID] {
					seen[m.ID] = true
					thread = append(thread, m)
					grew = true
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, err
			}
			rows.Close()
		}
	}

	sortByTimestamp(thread)
	return thread, nil
}

func sortByTimestamp(msgs []*Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].Timestamp.Before(msgs[j-1].Timestamp); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

// RootID walks the reply chain to the first message. Cycles and
// missing links return the starting id.
func (s *Store) RootID(id string) string {
	current := id
	visited := make(map[string]bool)
	for current != "" && !visited[current] {
		visited[current] = true
		m, err := s.Get(current)
		if err != nil {
			return id
		}
		if m.ReplyToID == "" {
			return current
		}
		current = m.ReplyToID
	}
	return id
}

// DebugThreading formats the reply chain for an email, for the
// /email debug command.
func (s *Store) DebugThreading(id string) (string, error) {
	if _, err := s.Get(id); err != nil {
		return "", err
	}
	var lines []string
	current := id
	visited := make(map[string]bool)
	for current != "" && !visited[current] {
		visited[current] = true
		m, err := s.Get(current)
		if err != nil {
			break
		}
		lines = append(lines, fmt.Sprintf("ID: %s, Message-ID: %s, Reply-To: %s",
			m.ID, m.MessageID, m.ReplyToID))
		current = m.ReplyToID
	}
	return "Email Thread Chain:\n" + strings.Join(lines, "\n"), nil
}

// PendingReplies returns incoming messages not yet relayed to a mesh
// user. Incoming mail with no reply chain can never be relayed and is
// marked invalid so it stops surfacing.
func (s *Store) PendingReplies() ([]*Message, error) {
	res, err := s.db.Exec(`
UPDATE emails SET sender_mesh_id = ?
WHERE direction = ? AND sender_mesh_id = ? AND reply_to_id = ''`,
		MeshIDInvalid, string(DirectionIncoming), MeshIDUnresolved)
	if err != nil {
		return nil, fmt.Errorf("mark invalid replies: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("unrelayable incoming mail marked invalid", "count", n)
	}

	rows, err := s.db.Query(`
SELECT id, sender_mesh_id, sender_email, recipient_email, subject, body,
       timestamp, direction, reply_to_id, message_id
FROM emails
WHERE direction = ? AND sender_mesh_id = ? AND reply_to_id != ''
ORDER BY timestamp`, string(DirectionIncoming), MeshIDUnresolved)
	if err != nil {
		return nil, fmt.Errorf("query pending replies: %w", err)
	}
	defer rows.Close()

	var pending []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, m)
	}
	return pending, rows.Err()
}

// MarkReplyProcessed associates a relayed reply with its mesh user.
func (s *Store) MarkReplyProcessed(id string, meshID int64) error {
	_, err := s.db.Exec(`UPDATE emails SET sender_mesh_id = ? WHERE id = ?`, meshID, id)
	if err != nil {
		return fmt.Errorf("mark reply processed: %w", err)
	}
	return nil
}

// MatchOutgoingBySubject finds an outgoing email whose recipient is
// senderEmail and whose subject matches the reply subject with any
// "Re:" prefixes stripped. Best-effort heuristic for replies that
// arrive without usable threading headers.
func (s *Store) MatchOutgoingBySubject(senderEmail, replySubject string) (string, bool) {
	clean := strings.TrimSpace(strings.ToLower(replySubject))
	for strings.HasPrefix(clean, "re:") {
		clean = strings.TrimSpace(clean[3:])
	}
	if clean == "" {
		return "", false
	}

	rows, err := s.db.Query(`
SELECT id, subject FROM emails
WHERE direction = ? AND recipient_email = ?
ORDER BY timestamp DESC`, string(DirectionOutgoing), senderEmail)
	if err != nil {
		return "", false
	}
	defer rows.Close()

	for rows.Next() {
		var id, subject string
		if err := rows.Scan(&id, &subject); err != nil {
			return "", false
		}
		original := strings.TrimSpace(strings.ToLower(subject))
		if original != "" && (original == clean || strings.Contains(clean, original)) {
			return id, true
		}
	}
	return "", false
}

// CleanupOlderThan deletes messages older than maxAge. Returns the
// number removed.
func (s *Store) CleanupOlderThan(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.Exec(`DELETE FROM emails WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old emails: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("old emails removed", "count", n)
	}
	return n, nil
}

// MarkKnownSender records a mesh user seen in a DM. Append-only.
func (s *Store) MarkKnownSender(userID string) error {
	_, err := s.db.Exec(`
INSERT OR IGNORE INTO known_senders (user_id, first_seen) VALUES (?, ?)`,
		userID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark known sender: %w", err)
	}
	return nil
}

// KnownSenders returns every mesh user ever seen in a DM.
func (s *Store) KnownSenders() ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM known_senders ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list known senders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// idLetters and idDigits form the short id alphabet.
const (
	idLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	idDigits  = "0123456789"
)

// NewShortID generates a short memorable email id (e.g. "AB123"),
// retrying on the rare collision.
func (s *Store) NewShortID() (string, error) {
	for range 100 {
		id := randomShortID()
		var exists int
		err := s.db.QueryRow(`SELECT COUNT(1) FROM emails WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("check id: %w", err)
		}
		if exists == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("short id space exhausted")
}

func randomShortID() string {
	b := make([]byte, 5)
	for i := range 2 {
		b[i] = idLetters[rand.Intn(len(idLetters))]
	}
	for i := 2; i < 5; i++ {
		b[i] = idDigits[rand.Intn(len(idDigits))]
	}
	return string(b)
}
