package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/coordinator"
	"github.com/nextlevelbuilder/clawgate/internal/models"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type stubEngine struct{}

func (stubEngine) Run(_ context.Context, req agent.RunRequest, _ chan<- agent.Event) (agent.RunResult, error) {
	return agent.RunResult{
		Payloads: []agent.Payload{{Text: "ok"}},
		Meta:     agent.RunMeta{Provider: req.Provider, Model: req.Model, SessionID: req.SessionID},
	}, nil
}

func (stubEngine) Steer(string, string) bool { return false }

// blockingEngine holds a run open until released, so tests can observe the
// busy state of a session key.
type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Run(_ context.Context, req agent.RunRequest, _ chan<- agent.Event) (agent.RunResult, error) {
	close(e.started)
	<-e.release
	return agent.RunResult{
		Payloads: []agent.Payload{{Text: "done"}},
		Meta: agent.RunMeta{
			Provider: req.Provider, Model: req.Model, SessionID: req.SessionID,
			Usage: agent.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}, nil
}

func (e *blockingEngine) Steer(string, string) bool { return false }

func newTestServer(t *testing.T) *Server {
	return newTestServerWithEngine(t, stubEngine{})
}

func newTestServerWithEngine(t *testing.T, engine agent.Engine) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Token = "secret"
	cfg.Sessions.Storage = t.TempDir()

	catalog := []models.CatalogEntry{{Provider: "anthropic", ID: "claude-sonnet-4-5"}}
	selector := models.NewSelector(models.Config{DefaultModel: "claude-sonnet-4-5"}, catalog)
	store, err := sessions.NewStore(cfg.SessionsDir(), cfg.Sessions.MainKey, selector)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	coord := coordinator.New(store, selector, engine, nil, coordinator.Options{})
	return NewServer(cfg, bus.New(), coord, store, selector, nil)
}

func request(t *testing.T, method string, params any) *protocol.RequestFrame {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		raw = data
	}
	return &protocol.RequestFrame{Type: protocol.FrameRequest, ID: "r1", Method: method, Params: raw}
}

func TestDispatchRequiresConnect(t *testing.T) {
	s := newTestServer(t)
	c := NewClient(nil, s)

	res := s.dispatch(context.Background(), c, request(t, protocol.MethodHealth, nil))
	if res.OK || res.Error.Code != protocol.ErrUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", res)
	}
}

func TestConnectChecksToken(t *testing.T) {
	s := newTestServer(t)
	c := NewClient(nil, s)

	res := s.dispatch(context.Background(), c, request(t, protocol.MethodConnect, map[string]string{"token": "wrong"}))
	if res.OK {
		t.Fatal("bad token accepted")
	}

	res = s.dispatch(context.Background(), c, request(t, protocol.MethodConnect, map[string]string{"token": "secret"}))
	if !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}

	res = s.dispatch(context.Background(), c, request(t, protocol.MethodHealth, nil))
	if !res.OK {
		t.Fatalf("health after connect failed: %+v", res.Error)
	}
}

func TestSessionsPatchRoundTrip(t *testing.T) {
	s := newTestServer(t)
	c := NewClient(nil, s)
	s.dispatch(context.Background(), c, request(t, protocol.MethodConnect, map[string]string{"token": "secret"}))

	res := s.dispatch(context.Background(), c, request(t, protocol.MethodSessionsPatch, map[string]any{
		"sessionKey": "agent:main:main",
		"patch":      map[string]any{"thinkingLevel": "high"},
	}))
	if !res.OK {
		t.Fatalf("patch failed: %+v", res.Error)
	}
	payload := res.Payload.(map[string]any)
	if payload["key"] != "agent:main:main" {
		t.Fatalf("result key = %v", payload["key"])
	}
	if payload["entry"] == nil {
		t.Fatal("result missing entry")
	}

	res = s.dispatch(context.Background(), c, request(t, protocol.MethodSessionsPatch, map[string]any{
		"sessionKey": "agent:main:main",
		"patch":      map[string]any{"thinkingLevel": "extreme"},
	}))
	if res.OK || res.Error.Code != protocol.ErrBadParams {
		t.Fatalf("expected bad_params for invalid level, got %+v", res)
	}
}

func TestSessionsDeleteMainRefused(t *testing.T) {
	s := newTestServer(t)
	c := NewClient(nil, s)
	s.dispatch(context.Background(), c, request(t, protocol.MethodConnect, map[string]string{"token": "secret"}))

	s.dispatch(context.Background(), c, request(t, protocol.MethodSessionsPatch, map[string]any{
		"sessionKey": "agent:main:main",
		"patch":      map[string]any{"verboseLevel": "high"},
	}))

	res := s.dispatch(context.Background(), c, request(t, protocol.MethodSessionsDelete, map[string]any{
		"sessionKey": "agent:main:main",
	}))
	if res.OK {
		t.Fatal("main session delete should be refused")
	}
}

func TestSessionsDeleteWhileRunningConflicts(t *testing.T) {
	eng := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestServerWithEngine(t, eng)
	c := NewClient(nil, s)
	s.dispatch(context.Background(), c, request(t, protocol.MethodConnect, map[string]string{"token": "secret"}))

	key := "agent:main:telegram:dm:42"
	s.coord.HandleInbound(context.Background(), coordinator.Turn{AgentID: "main", SessionKey: key, Prompt: "hi"})
	<-eng.started

	res := s.dispatch(context.Background(), c, request(t, protocol.MethodSessionsDelete, map[string]any{
		"sessionKey": key,
	}))
	if res.OK || res.Error.Code != protocol.ErrConflict {
		t.Fatalf("delete during run: expected conflict, got %+v", res)
	}

	res = s.dispatch(context.Background(), c, request(t, protocol.MethodSessionsReset, map[string]any{
		"sessionKey": key,
	}))
	if res.OK || res.Error.Code != protocol.ErrConflict {
		t.Fatalf("reset during run: expected conflict, got %+v", res)
	}

	close(eng.release)
	if !s.coord.WaitIdle(context.Background(), key, 5*time.Second) {
		t.Fatal("run never finished")
	}

	res = s.dispatch(context.Background(), c, request(t, protocol.MethodSessionsDelete, map[string]any{
		"sessionKey": key,
	}))
	if !res.OK {
		t.Fatalf("delete after run: %+v", res.Error)
	}
	entry, err := s.store.Get("main", key)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatalf("deleted session came back: %+v", entry)
	}
}

func TestModelsList(t *testing.T) {
	s := newTestServer(t)
	c := NewClient(nil, s)
	s.dispatch(context.Background(), c, request(t, protocol.MethodConnect, map[string]string{"token": "secret"}))

	res := s.dispatch(context.Background(), c, request(t, protocol.MethodModelsList, nil))
	if !res.OK {
		t.Fatalf("models.list failed: %+v", res.Error)
	}
	payload := res.Payload.(map[string]any)
	if payload["default"] != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("default = %v", payload["default"])
	}
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	c := NewClient(nil, s)
	s.dispatch(context.Background(), c, request(t, protocol.MethodConnect, map[string]string{"token": "secret"}))

	res := s.dispatch(context.Background(), c, request(t, "bogus.method", nil))
	if res.OK || res.Error.Code != protocol.ErrUnknownMethod {
		t.Fatalf("expected unknown_method, got %+v", res)
	}
}
