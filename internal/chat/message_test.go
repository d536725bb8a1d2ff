package chat

import "testing"

func TestIdentityFollowsConfirmation(t *testing.T) {
	m := &Message{ClientID: "c1"}
	if got := m.Identity(); got.IsConfirmed() || got.ID() != "c1" {
		t.Fatalf("identity = %v, want local:c1", got)
	}
	m.ServerID = "s1"
	if got := m.Identity(); !got.IsConfirmed() || got.ID() != "s1" {
		t.Fatalf("identity = %v, want confirmed:s1", got)
	}
	if !m.HasID("c1") || !m.HasID("s1") || m.HasID("") {
		t.Error("HasID should match both ids and never the empty id")
	}
}

func TestCloneIsolatesReactions(t *testing.T) {
	m := &Message{ClientID: "c1"}
	m.AddReaction("👍", "u1")

	c := m.Clone()
	c.AddReaction("👍", "u2")
	c.RemoveReaction("👍", "u1")

	if got := m.Reactions["👍"]; len(got) != 1 || got[0] != "u1" {
		t.Errorf("original reactions = %v, want [u1]", got)
	}
	if got := c.Reactions["👍"]; len(got) != 1 || got[0] != "u2" {
		t.Errorf("clone reactions = %v, want [u2]", got)
	}
}

func TestReactionsAreSetLike(t *testing.T) {
	m := &Message{}
	if !m.AddReaction("🔥", "u1") {
		t.Fatal("first add should report true")
	}
	if m.AddReaction("🔥", "u1") {
		t.Error("duplicate add should report false")
	}
	if !m.RemoveReaction("🔥", "u1") {
		t.Fatal("remove should report true")
	}
	if m.RemoveReaction("🔥", "u1") {
		t.Error("second remove should report false")
	}
	if len(m.ReactionEmojis()) != 0 {
		t.Errorf("emojis = %v, want none", m.ReactionEmojis())
	}
}
