package dispatch

import (
	"context"

	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// Log is a development provider that writes messages to the log.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, token string, msg Message) error {
	l.log.Info("push delivered (log sink)",
		logx.String("token", token),
		logx.String("title", msg.Title),
		logx.String("body", msg.Body),
		logx.String("priority", msg.Priority))
	return nil
}
