package logging

import "sync"

var (
	serviceOnce   sync.Once
	serviceLogger Logger
)

// InitServiceLogger builds the process-wide logger. Only the first call
// takes effect; later calls are no-ops so libraries cannot re-point it.
func InitServiceLogger(config LoggerConfig) error {
	var err error
	serviceOnce.Do(func() {
		serviceLogger, err = NewZapLogger(config)
	})
	return err
}

// GetServiceLogger returns the process-wide logger. Calling it before
// InitServiceLogger is a programming error.
func GetServiceLogger() Logger {
	if serviceLogger == nil {
		panic("logger not initialized")
	}
	return serviceLogger
}

// Shutdown flushes buffered log entries. Sync errors on stdout sinks are
// common and safe to ignore.
func Shutdown() error {
	if zl, ok := serviceLogger.(*ZapLogger); ok && zl != nil {
		return zl.logger.Sync()
	}
	return nil
}
