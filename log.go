package protoclient

import "go.uber.org/zap"

var l = zap.NewNop()

// SetLogger replaces the package logger used by clients and servers without their own.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l = logger
}
