package session

import "log/slog"

// Notifier surfaces session events to the user.
type Notifier interface {
	Info(msg string)
	Error(msg string, err error)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Info implements Notifier.
func (n LogNotifier) Info(msg string) {
	n.logger().Info(msg)
}

// Error implements Notifier.
func (n LogNotifier) Error(msg string, err error) {
	n.logger().Error(msg, "err", err)
}
