package email

import (
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "emails.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id string, meshID int64, dir Direction) *Message {
	return &Message{
		ID:             id,
		SenderMeshID:   meshID,
		SenderEmail:    "bot@example.com",
		RecipientEmail: "user@example.com",
		Subject:        "Hello",
		Body:           "Body of " + id,
		Timestamp:      time.Now(),
		Direction:      dir,
		MessageID:      id + ".abc@meshtastic.local",
	}
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	m := testMessage("AB123", 42, DirectionOutgoing)
	if err := s.Save(m); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("AB123")
	if err != nil {
		t.Fatal(err)
	}
	if got.SenderMeshID != 42 || got.Subject != "Hello" || got.Direction != DirectionOutgoing {
		t.Errorf("Get = %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	if _, err := s.Get("ZZ999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestThreadReconstruction(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	base := time.Now()

	root := testMessage("AA111", 42, DirectionOutgoing)
	root.Timestamp = base
	reply := testMessage("BB222", 0, DirectionIncoming)
	reply.ReplyToID = "AA111"
	reply.Timestamp = base.Add(time.Minute)
	followup := testMessage("CC333", 42, DirectionOutgoing)
	followup.ReplyToID = "BB222"
	followup.Timestamp = base.Add(2 * time.Minute)

	for _, m := range []*Message{followup, root, reply} {
		if err := s.Save(m); err != nil {
			t.Fatal(err)
		}
	}

	// Starting anywhere in the chain yields the whole conversation
	// in timestamp order.
	for _, start := range []string{"AA111", "BB222", "CC333"} {
		thread, err := s.Thread(start)
		if err != nil {
			t.Fatal(err)
		}
		if len(thread) != 3 {
			t.Fatalf("Thread(%s) has %d messages, want 3", start, len(thread))
		}
		want := []string{"AA111", "BB222", "CC333"}
		for i, m := range thread {
			if m.ID != want[i] {
				t.Errorf("Thread(%s)[%d] = %s, want %s", start, i, m.ID, want[i])
			}
		}
	}
}

func TestRootID(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	root := testMessage("AA111", 42, DirectionOutgoing)
	mid := testMessage("BB222", 42, DirectionOutgoing)
	mid.ReplyToID = "AA111"
	leaf := testMessage("CC333", 42, DirectionOutgoing)
	leaf.ReplyToID = "BB222"
	for _, m := range []*Message{root, mid, leaf} {
		if err := s.Save(m); err != nil {
			t.Fatal(err)
		}
	}

	if got := s.RootID("CC333"); got != "AA111" {
		t.Errorf("RootID(CC333) = %s, want AA111", got)
	}
	if got := s.RootID("AA111"); got != "AA111" {
		t.Errorf("RootID(AA111) = %s, want AA111", got)
	}
}

func TestRootIDCycle(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	a := testMessage("AA111", 42, DirectionOutgoing)
	a.ReplyToID = "BB222"
	b := testMessage("BB222", 42, DirectionOutgoing)
	b.ReplyToID = "AA111"
	for _, m := range []*Message{a, b} {
		if err := s.Save(m); err != nil {
			t.Fatal(err)
		}
	}

	// A cycle must terminate and fall back to the starting id.
	if got := s.RootID("AA111"); got != "AA111" {
		t.Errorf("RootID in cycle = %s, want AA111", got)
	}
}

func TestPendingReplies(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	relayable := testMessage("AA111", MeshIDUnresolved, DirectionIncoming)
	relayable.ReplyToID = "XX000"
	headerless := testMessage("BB222", MeshIDUnresolved, DirectionIncoming)
	headerless.ReplyToID = ""
	alreadyDone := testMessage("CC333", 42, DirectionIncoming)
	alreadyDone.ReplyToID = "XX000"
	outgoing := testMessage("DD444", 42, DirectionOutgoing)
	for _, m := range []*Message{relayable, headerless, alreadyDone, outgoing} {
		if err := s.Save(m); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.PendingReplies()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "AA111" {
		t.Fatalf("pending = %v", pending)
	}

	// The headerless incoming mail was marked invalid so it never
	// surfaces again.
	got, err := s.Get("BB222")
	if err != nil {
		t.Fatal(err)
	}
	if got.SenderMeshID != MeshIDInvalid {
		t.Errorf("headerless mesh id = %d, want %d", got.SenderMeshID, MeshIDInvalid)
	}
}

func TestMarkReplyProcessed(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	m := testMessage("AA111", MeshIDUnresolved, DirectionIncoming)
	m.ReplyToID = "XX000"
	if err := s.Save(m); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReplyProcessed("AA111", 42); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingReplies()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("processed reply still pending: %v", pending)
	}
}

func TestMatchOutgoingBySubject(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	m := testMessage("AA111", 42, DirectionOutgoing)
	m.RecipientEmail = "friend@example.com"
	m.Subject = "Trail conditions"
	if err := s.Save(m); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		sender  string
		subject string
		wantID  string
		wantOK  bool
	}{
		{"exact re", "friend@example.com", "Re: Trail conditions", "AA111", true},
		{"stacked re", "friend@example.com", "Re: Re: Trail conditions", "AA111", true},
		{"case insensitive", "friend@example.com", "re: trail CONDITIONS", "AA111", true},
		{"containment", "friend@example.com", "Re: Trail conditions this weekend", "AA111", true},
		{"wrong sender", "other@example.com", "Re: Trail conditions", "", false},
		{"unrelated subject", "friend@example.com", "Re: Something else", "", false},
		{"empty subject", "friend@example.com", "Re:", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := s.MatchOutgoingBySubject(tt.sender, tt.subject)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("MatchOutgoingBySubject = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestCleanupOlderThan(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	old := testMessage("AA111", 42, DirectionOutgoing)
	old.Timestamp = time.Now().Add(-40 * 24 * time.Hour)
	fresh := testMessage("BB222", 42, DirectionOutgoing)
	for _, m := range []*Message{old, fresh} {
		if err := s.Save(m); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CleanupOlderThan(30 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := s.Get("AA111"); !errors.Is(err, ErrNotFound) {
		t.Error("old email survived cleanup")
	}
	if _, err := s.Get("BB222"); err != nil {
		t.Error("fresh email removed by cleanup")
	}
}

func TestKnownSenders(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	for _, id := range []string{"42", "7", "42"} {
		if err := s.MarkKnownSender(id); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.KnownSenders()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("KnownSenders = %v, want two entries", got)
	}
}

func TestNewShortIDFormat(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	pattern := regexp.MustCompile(`^[A-Z]{2}[0-9]{3}$`)
	for range 20 {
		id, err := s.NewShortID()
		if err != nil {
			t.Fatal(err)
		}
		if !pattern.MatchString(id) {
			t.Errorf("NewShortID = %q, want two letters three digits", id)
		}
	}
}
