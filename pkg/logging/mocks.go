package logging

// NoOpLogger is a logger implementation that does nothing.
// Useful for tests where logging is not important.
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that discards everything.
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, tags ...any) {}
func (n *NoOpLogger) Info(msg string, tags ...any)  {}
func (n *NoOpLogger) Warn(msg string, tags ...any)  {}
func (n *NoOpLogger) Error(msg string, tags ...any) {}
func (n *NoOpLogger) Fatal(msg string, tags ...any) {}

func (n *NoOpLogger) Debugf(template string, args ...interface{}) {}
func (n *NoOpLogger) Infof(template string, args ...interface{})  {}
func (n *NoOpLogger) Warnf(template string, args ...interface{})  {}
func (n *NoOpLogger) Errorf(template string, args ...interface{}) {}
func (n *NoOpLogger) Fatalf(template string, args ...interface{}) {}

func (n *NoOpLogger) With(tags ...any) Logger { return n }

// NewTestLogger creates a logger suitable for tests, writing under t.TempDir
// style directories is up to the caller via LogDir.
func NewTestLogger(logDir string) (Logger, error) {
	return NewZapLogger(LoggerConfig{
		LogDir:      logDir,
		ProcessName: TestProcess,
		Environment: Development,
	})
}
