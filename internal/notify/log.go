package notify

import (
	"context"

	"pkt.systems/pslog"
)

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	log pslog.Logger
}

// NewLogNotifier creates a notifier logging through logger
func NewLogNotifier(logger pslog.Logger) *LogNotifier {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &LogNotifier{log: logger}
}

// Send logs the notification at a level matching its type
func (l *LogNotifier) Send(n Notification) error {
	kv := []any{"message", n.Message}
	if n.RunID != 0 {
		kv = append(kv, "run", n.RunID)
	}
	if n.TestID != "" {
		kv = append(kv, "test", n.TestID)
	}
	if n.URL != "" {
		kv = append(kv, "url", n.URL)
	}
	if n.Outcome != "" {
		kv = append(kv, "outcome", n.Outcome)
	}

	switch n.Type {
	case NotifyError:
		l.log.Error(n.Title, kv...)
	case NotifyWarning:
		l.log.Warn(n.Title, kv...)
	default:
		l.log.Info(n.Title, kv...)
	}
	return nil
}
