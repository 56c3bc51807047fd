package protocol

// RPC method name constants.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Chat
	MethodChatSend   = "chat.send"
	MethodChatAbort  = "chat.abort"
	MethodChatInject = "chat.inject"

	// Sessions
	MethodSessionsList    = "sessions.list"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsReset   = "sessions.reset"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsCompact = "sessions.compact"

	// Models
	MethodModelsList = "models.list"

	// Cron
	MethodCronList   = "cron.list"
	MethodCronRun    = "cron.run"
	MethodCronToggle = "cron.toggle"
)
