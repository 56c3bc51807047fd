package routing

import "testing"

func TestBuildSessionKeyMainScopeContinuity(t *testing.T) {
	// With main scope the key must not depend on channel or peer.
	base := BuildSessionKey(KeyParams{AgentID: "main", Channel: "whatsapp", PeerKind: PeerDM, PeerID: "+1555", DMScope: DMScopeMain})
	if base != "agent:main:main" {
		t.Fatalf("expected agent:main:main, got %q", base)
	}

	variants := []KeyParams{
		{AgentID: "main", Channel: "whatsapp", PeerKind: PeerDM, PeerID: "+1999", DMScope: DMScopeMain},
		{AgentID: "main", Channel: "telegram", PeerKind: PeerDM, PeerID: "+1555", DMScope: DMScopeMain},
		{AgentID: "main", Channel: "discord", PeerKind: PeerDM, PeerID: "someone", DMScope: DMScopeMain},
		{AgentID: "main", PeerKind: PeerDM}, // dmScope unset defaults to main
	}
	for _, p := range variants {
		if got := BuildSessionKey(p); got != base {
			t.Errorf("params %+v resolved to %q, want %q", p, got, base)
		}
	}
}

func TestBuildSessionKeyPerChannelPeer(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		peerID  string
		want    string
	}{
		{"whatsapp peer", "whatsapp", "+1555", "agent:main:whatsapp:dm:+1555"},
		{"second peer distinct", "whatsapp", "+1999", "agent:main:whatsapp:dm:+1999"},
		{"same peer other channel distinct", "telegram", "+1555", "agent:main:telegram:dm:+1555"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildSessionKey(KeyParams{
				AgentID: "main", Channel: tt.channel,
				PeerKind: PeerDM, PeerID: tt.peerID,
				DMScope: DMScopePerChannelPeer,
			})
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildSessionKeyPerPeer(t *testing.T) {
	got := BuildSessionKey(KeyParams{AgentID: "main", Channel: "telegram", PeerKind: PeerDM, PeerID: "42", DMScope: DMScopePerPeer})
	if got != "agent:main:dm:42" {
		t.Fatalf("got %q", got)
	}
	// Same peer on another channel collapses to the same key.
	other := BuildSessionKey(KeyParams{AgentID: "main", Channel: "discord", PeerKind: PeerDM, PeerID: "42", DMScope: DMScopePerPeer})
	if other != got {
		t.Fatalf("per-peer key should ignore channel: %q vs %q", other, got)
	}
}

func TestBuildSessionKeyPeerScopedWithoutPeerFallsBackToMain(t *testing.T) {
	for _, scope := range []DMScope{DMScopePerPeer, DMScopePerChannelPeer} {
		got := BuildSessionKey(KeyParams{AgentID: "main", Channel: "telegram", PeerKind: PeerDM, DMScope: scope})
		if got != "agent:main:main" {
			t.Errorf("scope %s without peer: got %q, want agent:main:main", scope, got)
		}
	}
}

func TestBuildSessionKeyGroup(t *testing.T) {
	got := BuildSessionKey(KeyParams{
		AgentID: "main", Channel: "telegram",
		PeerKind: PeerGroup, PeerID: "-100123456",
		DMScope: DMScopeMain, // groups ignore dm scope
	})
	if got != "agent:main:telegram:group:-100123456" {
		t.Fatalf("got %q", got)
	}

	noPeer := BuildSessionKey(KeyParams{AgentID: "main", Channel: "discord", PeerKind: PeerChannel})
	if noPeer != "agent:main:discord:channel:unknown" {
		t.Fatalf("got %q", noPeer)
	}
}

func TestWithThread(t *testing.T) {
	key, parent := WithThread("agent:main:telegram:group:-100", "99")
	if key != "agent:main:telegram:group:-100:topic:99" {
		t.Errorf("thread key: got %q", key)
	}
	if parent != "agent:main:telegram:group:-100" {
		t.Errorf("parent key: got %q", parent)
	}

	key, parent = WithThread("agent:main:telegram:group:-100", "")
	if key != parent || key != "agent:main:telegram:group:-100" {
		t.Errorf("empty thread must collapse into base: %q / %q", key, parent)
	}
}

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		raw      string
		fallback string
		want     string
	}{
		{"Main", "main", "main"},
		{"My Agent", "main", "my-agent"},
		{"a.b.c", "main", "a-b-c"},
		{"  spaced  ", "main", "spaced"},
		{"___", "main", "___"},
		{"!!!", "main", "main"},
		{"", "default", "default"},
		{"ALL_CAPS-42", "main", "all_caps-42"},
	}
	for _, tt := range tests {
		if got := NormalizeID(tt.raw, tt.fallback); got != tt.want {
			t.Errorf("NormalizeID(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	long := NormalizeID("abcdefghij-abcdefghij-abcdefghij-abcdefghij-abcdefghij-abcdefghij", "main")
	if len(long) != 64 {
		t.Errorf("normalized length = %d, want 64", len(long))
	}
}

func TestClassifyKey(t *testing.T) {
	tests := []struct {
		key  string
		want KeyClass
	}{
		{"", KeyMissing},
		{"agent:main:main", KeyAgent},
		{"agent:main:telegram:dm:42", KeyAgent},
		{"agent:main", KeyMalformedAgent},
		{"agent::main", KeyMalformedAgent},
		{"agent:main:", KeyMalformedAgent},
		{"cron:job-1", KeyLegacyOrAlias},
		{"hook:3c5e8a2f", KeyLegacyOrAlias},
		{"node-7", KeyLegacyOrAlias},
		{"global", KeyLegacyOrAlias},
	}
	for _, tt := range tests {
		if got := ClassifyKey(tt.key); got != tt.want {
			t.Errorf("ClassifyKey(%q) = %s, want %s", tt.key, got, tt.want)
		}
	}
}

func TestParseKey(t *testing.T) {
	agentID, rest := ParseKey("agent:work:telegram:dm:42")
	if agentID != "work" || rest != "telegram:dm:42" {
		t.Fatalf("got (%q, %q)", agentID, rest)
	}

	agentID, rest = ParseKey("cron:job-1")
	if agentID != "" || rest != "" {
		t.Fatalf("legacy key must not parse as agent scope: (%q, %q)", agentID, rest)
	}
}

func TestSubagentAndCronKeys(t *testing.T) {
	if !IsSubagentKey(BuildSubagentKey("main", "fetch-docs")) {
		t.Error("subagent key not recognized")
	}
	if IsSubagentKey("agent:main:main") {
		t.Error("main key misclassified as subagent")
	}

	key := BuildCronKey("main", "reminder", "run1")
	if key != "agent:main:cron:reminder:run:run1" {
		t.Fatalf("got %q", key)
	}
	if !IsCronKey(key) {
		t.Error("cron key not recognized")
	}

	// Double-prefix guard: jobID already canonical.
	again := BuildCronKey("main", key, "run2")
	if again != "agent:main:cron:cron:reminder:run:run1:run:run2" {
		t.Fatalf("double-prefix guard: got %q", again)
	}
}
