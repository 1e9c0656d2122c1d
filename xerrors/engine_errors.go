package xerrors

var (
	// ErrSessionNotFound 管理接口请求的会话不存在。
	ErrSessionNotFound = New(ErrNotFound, 404001, "session not found", "no session with the given id", nil)
	// ErrSessionNotLoggedOn 会话未登录，无法执行需要登录态的操作。
	ErrSessionNotLoggedOn = New(ErrInvalidArg, 400001, "session not logged on", "logout requires an active logon", nil)
	// ErrUnsupportedStore 不支持的存储类型。
	ErrUnsupportedStore = New(ErrInvalidArg, 400002, "unsupported store type", "supported types: memory, redis, sql", nil)
	// ErrUnsupportedLogOutput 不支持的会话日志输出。
	ErrUnsupportedLogOutput = New(ErrInvalidArg, 400003, "unsupported fix log output", "supported outputs: slog, file, kafka, null", nil)
)
