// devlog is a CodeSender that writes codes to the log instead of
// delivering them. It exists for local development and must never be
// enabled outside dev mode.
package devlog

import (
	"context"

	"github.com/officedir/phoneauth/pkg/models"
	"github.com/zerodha/logf"
)

type Log struct {
	lo logf.Logger
}

func New(lo logf.Logger) *Log {
	return &Log{lo: lo}
}

func (l *Log) ID() string {
	return "log"
}

func (l *Log) ChannelName() string {
	return "Log"
}

func (l *Log) ValidateAddress(to string) error {
	return nil
}

func (l *Log) Push(ctx context.Context, m models.Message) error {
	l.lo.Info("one-time code", "phone", m.To, "session", m.SessionID, "code", m.Code, "body", m.Body)
	return nil
}
