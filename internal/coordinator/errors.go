package coordinator

import "strings"

// runErrorKind classifies engine run failures so each gets a tailored
// user-facing message. Never retried at this layer; retry, if any, happens
// in the engine's own provider fallback.
type runErrorKind int

const (
	errKindGeneric runErrorKind = iota
	errKindContextOverflow
	errKindSessionCorrupt
)

var overflowSignatures = []string{
	"context overflow",
	"context_length_exceeded",
	"prompt is too long",
	"exceeds the maximum context",
}

var corruptSignatures = []string{
	"no conversation found with session id",
	"session file is corrupt",
	"corrupted session state",
}

func classifyRunError(err error) runErrorKind {
	if err == nil {
		return errKindGeneric
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range corruptSignatures {
		if strings.Contains(msg, sig) {
			return errKindSessionCorrupt
		}
	}
	for _, sig := range overflowSignatures {
		if strings.Contains(msg, sig) {
			return errKindContextOverflow
		}
	}
	return errKindGeneric
}

const (
	overflowMessage = "This conversation no longer fits the model's context window. Use a session reset or compaction to start fresh."
	corruptMessage  = "This session's state was corrupted, so I reset it and started a fresh one. Sorry about that. Please resend your last message."
	genericPrefix   = "Agent failed before replying: "
)
