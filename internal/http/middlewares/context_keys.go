package middlewares

// Shared gin context keys. Handlers set CtxMessageID / CtxTargetUserID so
// the request logger can enrich its line without re-parsing the path.
const (
	CtxRequestID    = "request_id"
	CtxMessageID    = "message_id"
	CtxTargetUserID = "target_user_id"
)
