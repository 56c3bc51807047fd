package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/coordinator"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// defaultCompactKeepLines bounds transcripts compacted without an explicit
// keep count.
const defaultCompactKeepLines = 200

// dispatch routes one request frame to its handler. Everything except
// connect requires a prior successful connect.
func (s *Server) dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	if req.Method == protocol.MethodConnect {
		return s.handleConnect(c, req)
	}

	c.mu.Lock()
	authed := c.authenticated
	c.mu.Unlock()
	if !authed {
		return protocol.NewError(req.ID, protocol.ErrUnauthorized, "connect first")
	}

	switch req.Method {
	case protocol.MethodHealth:
		return protocol.NewOK(req.ID, map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion})
	case protocol.MethodStatus:
		return s.handleStatus(req)
	case protocol.MethodChatSend:
		return s.handleChatSend(ctx, c, req)
	case protocol.MethodChatAbort:
		return s.handleChatAbort(req)
	case protocol.MethodChatInject:
		return s.handleChatInject(req)
	case protocol.MethodSessionsList:
		return s.handleSessionsList(req)
	case protocol.MethodSessionsPatch:
		return s.handleSessionsPatch(req)
	case protocol.MethodSessionsReset:
		return s.handleSessionsReset(req)
	case protocol.MethodSessionsDelete:
		return s.handleSessionsDelete(req)
	case protocol.MethodSessionsCompact:
		return s.handleSessionsCompact(req)
	case protocol.MethodModelsList:
		return s.handleModelsList(req)
	case protocol.MethodCronList:
		return s.handleCronList(req)
	case protocol.MethodCronRun:
		return s.handleCronRun(ctx, req)
	case protocol.MethodCronToggle:
		return s.handleCronToggle(req)
	default:
		return protocol.NewError(req.ID, protocol.ErrUnknownMethod, "unknown method: "+req.Method)
	}
}

func (s *Server) handleConnect(c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Token  string `json:"token"`
		Client string `json:"client,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.ErrBadParams, "malformed connect params")
		}
	}

	if token := s.cfg.Gateway.Token; token != "" && params.Token != token {
		slog.Warn("client auth failed", "id", c.id, "client", params.Client)
		return protocol.NewError(req.ID, protocol.ErrUnauthorized, "invalid token")
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	return protocol.NewOK(req.ID, map[string]any{
		"protocol": protocol.ProtocolVersion,
		"server":   "clawgate",
	})
}

func (s *Server) handleStatus(req *protocol.RequestFrame) *protocol.ResponseFrame {
	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()
	return protocol.NewOK(req.ID, map[string]any{
		"clients": clients,
		"agent":   s.cfg.ResolveDefaultAgentID(),
		"config":  s.cfg.MaskedCopy(),
	})
}

func (s *Server) handleChatSend(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID    string `json:"agentId,omitempty"`
		SessionKey string `json:"sessionKey,omitempty"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == "" {
		return protocol.NewError(req.ID, protocol.ErrBadParams, "message required")
	}

	agentID := params.AgentID
	if agentID == "" {
		agentID = s.cfg.ResolveDefaultAgentID()
	}
	key := params.SessionKey
	if key == "" {
		key = routing.BuildMainSessionKey(agentID, s.cfg.Sessions.MainKey)
	}

	s.coord.HandleInbound(ctx, coordinator.Turn{
		AgentID:    agentID,
		SessionKey: key,
		Target:     coordinator.Target{Channel: "gateway", ChatID: c.id},
		Prompt:     params.Message,
	})
	return protocol.NewOK(req.ID, map[string]any{"sessionKey": key, "queued": true})
}

func (s *Server) handleChatAbort(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		return protocol.NewError(req.ID, protocol.ErrBadParams, "sessionKey required")
	}
	aborted := s.coord.AbortSession(params.SessionKey)
	return protocol.NewOK(req.ID, map[string]any{"aborted": aborted})
}

func (s *Server) handleChatInject(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		SessionKey string `json:"sessionKey"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" || params.Text == "" {
		return protocol.NewError(req.ID, protocol.ErrBadParams, "sessionKey and text required")
	}
	s.coord.InjectSystemEvent(params.SessionKey, params.Text)
	return protocol.NewOK(req.ID, map[string]any{"queued": true})
}

type sessionParams struct {
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey"`
}

func (s *Server) sessionParams(req *protocol.RequestFrame) (sessionParams, *protocol.ResponseFrame) {
	var params sessionParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		return params, protocol.NewError(req.ID, protocol.ErrBadParams, "sessionKey required")
	}
	if params.AgentID == "" {
		params.AgentID = s.cfg.ResolveDefaultAgentID()
	}
	return params, nil
}

func (s *Server) handleSessionsList(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID     string `json:"agentId,omitempty"`
		ActiveSince int64  `json:"activeSince,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.ErrBadParams, "malformed params")
		}
	}
	if params.AgentID == "" {
		params.AgentID = s.cfg.ResolveDefaultAgentID()
	}

	items, err := s.store.List(params.AgentID, params.ActiveSince)
	if err != nil {
		return sessionError(req.ID, err)
	}
	return protocol.NewOK(req.ID, map[string]any{"sessions": items})
}

func (s *Server) handleSessionsPatch(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID    string         `json:"agentId,omitempty"`
		SessionKey string         `json:"sessionKey"`
		Patch      map[string]any `json:"patch"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		return protocol.NewError(req.ID, protocol.ErrBadParams, "sessionKey and patch required")
	}
	if params.AgentID == "" {
		params.AgentID = s.cfg.ResolveDefaultAgentID()
	}

	entry, err := s.store.Patch(params.AgentID, params.SessionKey, params.Patch)
	if err != nil {
		return sessionError(req.ID, err)
	}
	return protocol.NewOK(req.ID, map[string]any{"key": params.SessionKey, "entry": entry})
}

func (s *Server) handleSessionsReset(req *protocol.RequestFrame) *protocol.ResponseFrame {
	params, errRes := s.sessionParams(req)
	if errRes != nil {
		return errRes
	}
	if res := s.rejectIfRunning(req.ID, params.SessionKey); res != nil {
		return res
	}
	entry, err := s.store.Reset(params.AgentID, params.SessionKey)
	if err != nil {
		return sessionError(req.ID, err)
	}
	return protocol.NewOK(req.ID, map[string]any{"key": params.SessionKey, "entry": entry})
}

func (s *Server) handleSessionsDelete(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID          string `json:"agentId,omitempty"`
		SessionKey       string `json:"sessionKey"`
		DeleteTranscript bool   `json:"deleteTranscript,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		return protocol.NewError(req.ID, protocol.ErrBadParams, "sessionKey required")
	}
	if params.AgentID == "" {
		params.AgentID = s.cfg.ResolveDefaultAgentID()
	}

	if res := s.rejectIfRunning(req.ID, params.SessionKey); res != nil {
		return res
	}
	if err := s.store.Delete(params.AgentID, params.SessionKey, params.DeleteTranscript); err != nil {
		return sessionError(req.ID, err)
	}
	return protocol.NewOK(req.ID, map[string]any{"key": params.SessionKey, "deleted": true})
}

func (s *Server) handleSessionsCompact(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID    string `json:"agentId,omitempty"`
		SessionKey string `json:"sessionKey"`
		KeepLines  int    `json:"keepLines,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		return protocol.NewError(req.ID, protocol.ErrBadParams, "sessionKey required")
	}
	if params.AgentID == "" {
		params.AgentID = s.cfg.ResolveDefaultAgentID()
	}
	if params.KeepLines <= 0 {
		params.KeepLines = defaultCompactKeepLines
	}

	entry, err := s.store.Compact(params.AgentID, params.SessionKey, params.KeepLines)
	if err != nil {
		return sessionError(req.ID, err)
	}
	return protocol.NewOK(req.ID, map[string]any{"key": params.SessionKey, "entry": entry})
}

// rejectIfRunning guards destructive session operations against an in-flight
// run. The caller gets a conflict and retries once the run completes, rather
// than deleting state the run is about to write back.
func (s *Server) rejectIfRunning(reqID, sessionKey string) *protocol.ResponseFrame {
	if s.coord != nil && s.coord.Busy(sessionKey) {
		return protocol.NewError(reqID, protocol.ErrConflict, "session has an active run; retry after it completes")
	}
	return nil
}

func (s *Server) handleModelsList(req *protocol.RequestFrame) *protocol.ResponseFrame {
	return protocol.NewOK(req.ID, map[string]any{
		"default": s.selector.Default().String(),
		"models":  s.selector.List(),
	})
}

func (s *Server) handleCronList(req *protocol.RequestFrame) *protocol.ResponseFrame {
	if s.cronSvc == nil {
		return protocol.NewError(req.ID, protocol.ErrNotFound, "cron disabled")
	}
	doc, err := s.cronSvc.Store.Load()
	if err != nil {
		return protocol.NewError(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewOK(req.ID, map[string]any{"jobs": doc.Jobs})
}

func (s *Server) handleCronRun(ctx context.Context, req *protocol.RequestFrame) *protocol.ResponseFrame {
	if s.cronSvc == nil {
		return protocol.NewError(req.ID, protocol.ErrNotFound, "cron disabled")
	}
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewError(req.ID, protocol.ErrBadParams, "id required")
	}

	started := time.Now()
	if err := s.cronSvc.Scheduler.RunJob(ctx, params.ID); err != nil {
		return protocol.NewError(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewOK(req.ID, map[string]any{"ran": true, "durationMs": time.Since(started).Milliseconds()})
}

func (s *Server) handleCronToggle(req *protocol.RequestFrame) *protocol.ResponseFrame {
	if s.cronSvc == nil {
		return protocol.NewError(req.ID, protocol.ErrNotFound, "cron disabled")
	}
	var params struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewError(req.ID, protocol.ErrBadParams, "id required")
	}

	doc, err := s.cronSvc.Store.Load()
	if err != nil {
		return protocol.NewError(req.ID, protocol.ErrInternal, err.Error())
	}
	job := doc.Find(params.ID)
	if job == nil {
		return protocol.NewError(req.ID, protocol.ErrNotFound, "no cron job with id "+params.ID)
	}
	job.Enabled = params.Enabled
	job.State.NextRunAtMs = 0 // recomputed on the next tick when enabled
	if err := s.cronSvc.Store.Save(doc); err != nil {
		return protocol.NewError(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewOK(req.ID, map[string]any{"job": job})
}

// sessionError maps store errors to protocol error codes.
func sessionError(id string, err error) *protocol.ResponseFrame {
	var verr *sessions.ValidationError
	if errors.As(err, &verr) {
		code := protocol.ErrBadParams
		if verr.Code == sessions.CodeUnknownKey {
			code = protocol.ErrNotFound
		}
		return protocol.NewError(id, code, verr.Error())
	}
	var cerr *sessions.CorruptStoreError
	if errors.As(err, &cerr) {
		return protocol.NewError(id, protocol.ErrInternal, cerr.Error())
	}
	return protocol.NewError(id, protocol.ErrInternal, err.Error())
}
