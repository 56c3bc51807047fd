package routing

// Binding is one configured routing rule mapping inbound event criteria to an
// agent. Rules are evaluated in declaration order within each precedence
// tier; the tier order itself is fixed (peer > guild > account > wildcard).
type Binding struct {
	AgentID   string       `json:"agent_id"`
	Channel   string       `json:"channel"`
	AccountID string       `json:"account_id,omitempty"` // empty = default account only, "*" = any account
	GuildID   string       `json:"guild_id,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer narrows a binding to one specific conversation peer.
type BindingPeer struct {
	Kind PeerKind `json:"kind"`
	ID   string   `json:"id"`
}

// MatchedBy identifies which precedence tier selected the route.
type MatchedBy string

const (
	MatchedByPeer            MatchedBy = "binding.peer"
	MatchedByGuild           MatchedBy = "binding.guild"
	MatchedByAccount         MatchedBy = "binding.account"
	MatchedByWildcard        MatchedBy = "binding.wildcard"
	MatchedByDefaultConfig   MatchedBy = "default.configured"
	MatchedByDefaultBuiltin  MatchedBy = "default.builtin"
)

// RouteContext is the inbound event context a route is resolved against.
type RouteContext struct {
	Channel   string
	AccountID string // empty = default account
	Peer      BindingPeer
	GuildID   string
}

// RouteConfig is the routing slice of the gateway configuration.
type RouteConfig struct {
	Bindings     []Binding
	DefaultAgent string
	DMScope      DMScope
	MainKey      string
}

// Route is a resolved agent route for an inbound event.
type Route struct {
	AgentID    string
	AccountID  string
	SessionKey string
	MatchedBy  MatchedBy
}

// ResolveRoute selects the agent handling an inbound event and derives its
// session key. Pure over config + context.
//
// Precedence, highest first:
//  1. binding matching channel+account+specific peer
//  2. binding matching channel+account+guild (no peer criteria)
//  3. binding matching channel+account exactly
//  4. binding matching channel with account "*"
//  5. configured default agent
//  6. hardcoded default agent
//
// Declaration order only breaks ties within one tier.
func ResolveRoute(cfg RouteConfig, rctx RouteContext) Route {
	accountID := rctx.AccountID
	if accountID == "" {
		accountID = DefaultAccountID
	}

	agentID := ""
	matched := MatchedBy("")

	// Tier 1: channel+account+peer.
	for _, b := range cfg.Bindings {
		if b.Peer == nil || !accountMatches(b, accountID) || b.Channel != rctx.Channel {
			continue
		}
		if b.Peer.Kind == rctx.Peer.Kind && b.Peer.ID == rctx.Peer.ID {
			agentID, matched = b.AgentID, MatchedByPeer
			break
		}
	}

	// Tier 2: channel+account+guild, peer-less rules only.
	if agentID == "" && rctx.GuildID != "" {
		for _, b := range cfg.Bindings {
			if b.Peer != nil || b.GuildID == "" || !accountMatches(b, accountID) || b.Channel != rctx.Channel {
				continue
			}
			if b.GuildID == rctx.GuildID {
				agentID, matched = b.AgentID, MatchedByGuild
				break
			}
		}
	}

	// Tier 3: channel+account exact.
	if agentID == "" {
		for _, b := range cfg.Bindings {
			if b.Peer != nil || b.GuildID != "" || b.Channel != rctx.Channel {
				continue
			}
			if bindingAccount(b) == accountID {
				agentID, matched = b.AgentID, MatchedByAccount
				break
			}
		}
	}

	// Tier 4: channel wildcard account.
	if agentID == "" {
		for _, b := range cfg.Bindings {
			if b.Peer != nil || b.GuildID != "" || b.Channel != rctx.Channel {
				continue
			}
			if b.AccountID == "*" {
				agentID, matched = b.AgentID, MatchedByWildcard
				break
			}
		}
	}

	// Tier 5/6: defaults.
	if agentID == "" {
		if cfg.DefaultAgent != "" {
			agentID, matched = cfg.DefaultAgent, MatchedByDefaultConfig
		} else {
			agentID, matched = DefaultAgentID, MatchedByDefaultBuiltin
		}
	}

	key := BuildSessionKey(KeyParams{
		AgentID:  agentID,
		MainKey:  cfg.MainKey,
		Channel:  rctx.Channel,
		PeerKind: rctx.Peer.Kind,
		PeerID:   rctx.Peer.ID,
		DMScope:  cfg.DMScope,
	})

	return Route{
		AgentID:    NormalizeID(agentID, DefaultAgentID),
		AccountID:  accountID,
		SessionKey: key,
		MatchedBy:  matched,
	}
}

// accountMatches reports whether a binding's account criteria accepts the
// normalized inbound account. A binding without an account matches only the
// default account, never other explicit accounts. "*" matches any.
func accountMatches(b Binding, accountID string) bool {
	if b.AccountID == "*" {
		return true
	}
	return bindingAccount(b) == accountID
}

func bindingAccount(b Binding) string {
	if b.AccountID == "" {
		return DefaultAccountID
	}
	return b.AccountID
}
