package base

// Logger matches the method shape of slog.Logger so the standard logger
// slots in directly; package logger provides adapters for zap and logrus.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger is the default logger; every call compiles to a no-op.
type DiscardLogger struct{}

func (DiscardLogger) Error(string, ...any) {}
func (DiscardLogger) Warn(string, ...any)  {}
func (DiscardLogger) Info(string, ...any)  {}
