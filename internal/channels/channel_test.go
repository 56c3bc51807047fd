package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
)

func TestIsAllowed(t *testing.T) {
	b := NewBaseChannel("telegram", "", bus.New(), []string{"123", "@alice", "456|bob"})

	tests := []struct {
		sender string
		want   bool
	}{
		{"123", true},
		{"123|carol", true},
		{"999|alice", true},
		{"456", true},
		{"456|bob", true},
		{"999", false},
		{"999|mallory", false},
	}
	for _, tt := range tests {
		if got := b.IsAllowed(tt.sender); got != tt.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tt.sender, got, tt.want)
		}
	}

	open := NewBaseChannel("telegram", "", bus.New(), nil)
	if !open.IsAllowed("anyone") {
		t.Fatal("empty allowlist should allow all")
	}
}

func TestCheckPolicy(t *testing.T) {
	b := NewBaseChannel("discord", "", bus.New(), []string{"123"})

	if b.CheckPolicy(routing.PeerDM, DMPolicyDisabled, GroupPolicyOpen, "123") {
		t.Fatal("disabled DM policy accepted a DM")
	}
	if !b.CheckPolicy(routing.PeerGroup, DMPolicyDisabled, GroupPolicyOpen, "999") {
		t.Fatal("open group policy rejected a group message")
	}
	if b.CheckPolicy(routing.PeerDM, DMPolicyAllowlist, GroupPolicyOpen, "999") {
		t.Fatal("allowlist DM policy accepted unknown sender")
	}
	if !b.CheckPolicy(routing.PeerDM, "", GroupPolicyDisabled, "999") {
		t.Fatal("empty policy should default to open")
	}
}

func TestHandleMessagePublishesRoutingContext(t *testing.T) {
	msgBus := bus.New()
	b := NewBaseChannel("discord", "work", msgBus, nil)

	b.HandleMessage(Inbound{
		SenderID: "42|dave",
		ChatID:   "chan-1",
		Content:  "hello",
		PeerKind: routing.PeerChannel,
		GuildID:  "guild-9",
		ThreadID: "77",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no message published")
	}
	if msg.AccountID != "work" {
		t.Fatalf("account = %q, want work", msg.AccountID)
	}
	if msg.PeerID != "42" {
		t.Fatalf("peer id = %q, want sender id without username", msg.PeerID)
	}
	if msg.GuildID != "guild-9" || msg.ThreadID != "77" {
		t.Fatalf("routing context lost: %+v", msg)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Fatalf("got %q", got)
	}
}
