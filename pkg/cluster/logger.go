package cluster

import (
	"go.uber.org/zap"
)

// raftLogger routes the consensus engine's log output into zap.
type raftLogger struct {
	*zap.SugaredLogger
	// warn skips the frame of the Warning wrappers
	warn *zap.SugaredLogger
}

func newRaftLogger(logger *zap.Logger) *raftLogger {
	named := logger.Named("raft")
	return &raftLogger{
		SugaredLogger: named.Sugar(),
		warn:          named.WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
}

func (l *raftLogger) Warning(v ...interface{}) {
	l.warn.Warn(v...)
}

func (l *raftLogger) Warningf(format string, v ...interface{}) {
	l.warn.Warnf(format, v...)
}
