package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/coordinator"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// heartbeatWaitTimeout bounds how long a wake-now cron job polls for an
// in-flight run to clear before deferring to the next natural heartbeat.
const heartbeatWaitTimeout = 2 * time.Minute

// isolatedRunTimeout bounds one isolated cron turn end to end.
const isolatedRunTimeout = 10 * time.Minute

// summaryMaxChars caps the reply excerpt carried into the main session.
const summaryMaxChars = 300

// cronRunner executes cron job payloads on top of the reply-turn
// coordinator. Implements cron.Runner.
type cronRunner struct {
	coord *coordinator.Coordinator
	store *sessions.Store
	cfg   *config.Config
}

func (r *cronRunner) agentID(job *cron.Job) string {
	if job.AgentID != "" {
		return job.AgentID
	}
	return r.cfg.ResolveDefaultAgentID()
}

// RunMain enqueues the job's system event into the agent's main session.
// Wake mode "now" forces an immediate heartbeat turn; if another run holds
// the session past the bounded wait, the event simply rides along with the
// next natural heartbeat.
func (r *cronRunner) RunMain(ctx context.Context, job *cron.Job) error {
	agentID := r.agentID(job)
	mainKey := routing.BuildMainSessionKey(agentID, r.cfg.Sessions.MainKey)

	r.coord.InjectSystemEvent(mainKey, job.SystemEvent)
	if job.WakeMode != cron.WakeNow {
		return nil
	}

	if r.coord.Busy(mainKey) && !r.coord.WaitIdle(ctx, mainKey, heartbeatWaitTimeout) {
		slog.Info("cron wake deferred, session still busy", "job_id", job.ID, "session_key", mainKey)
		return nil
	}
	r.coord.HandleInbound(ctx, coordinator.Turn{
		AgentID:    agentID,
		SessionKey: mainKey,
		Prompt:     "Heartbeat check-in. If there is nothing that needs attention, reply with exactly " + coordinator.HeartbeatSentinel + ".",
		Heartbeat:  true,
	})
	r.coord.WaitIdle(ctx, mainKey, heartbeatWaitTimeout)
	return nil
}

// RunIsolated runs the job's agent turn in a standalone cron session and
// posts a short summary back into the main session.
func (r *cronRunner) RunIsolated(ctx context.Context, job *cron.Job) (string, error) {
	agentID := r.agentID(job)
	runID := uuid.NewString()
	key := routing.BuildCronKey(agentID, job.ID, runID)

	r.coord.HandleInbound(ctx, coordinator.Turn{
		AgentID:    agentID,
		SessionKey: key,
		Prompt:     job.AgentTurn,
	})
	if !r.coord.WaitIdle(ctx, key, isolatedRunTimeout) {
		return "", fmt.Errorf("isolated run %s did not complete within %s", runID, isolatedRunTimeout)
	}

	summary := fmt.Sprintf("Cron job %q completed (run %s).", job.ID, runID)
	if reply := r.lastReply(agentID, key); reply != "" {
		summary = fmt.Sprintf("Cron job %q completed (run %s): %s",
			job.ID, runID, channels.Truncate(reply, summaryMaxChars))
	}
	mainKey := routing.BuildMainSessionKey(agentID, r.cfg.Sessions.MainKey)
	r.coord.InjectSystemEvent(mainKey, summary)
	return summary, nil
}

// lastReply returns the final assistant line of the session's transcript, or
// "" when the run produced no reply.
func (r *cronRunner) lastReply(agentID, key string) string {
	entry, err := r.store.Get(agentID, key)
	if err != nil || entry == nil || entry.SessionID == "" {
		return ""
	}
	lines, err := r.store.Transcripts().Lines(entry.SessionID)
	if err != nil {
		return ""
	}
	for i := len(lines) - 1; i >= 0; i-- {
		var rec struct {
			Role string `json:"role"`
			Text string `json:"text"`
		}
		if json.Unmarshal([]byte(lines[i]), &rec) != nil {
			continue
		}
		if rec.Role == "assistant" && rec.Text != "" {
			return rec.Text
		}
	}
	return ""
}
