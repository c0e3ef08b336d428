// Package notify delivers best-effort product notifications triggered by
// OAuth flows. Delivery failures are logged and swallowed by callers; a
// missing email never blocks an authorization.
package notify

import (
	"context"
	"log/slog"
)

// AppInstalled describes a user connecting an application to a team for the
// first time.
type AppInstalled struct {
	Email    string
	UserName string
	TeamName string
	AppName  string
}

// Notifier sends product notifications.
type Notifier interface {
	// AppInstalled notifies the user that an application was connected to
	// their team.
	AppInstalled(ctx context.Context, n AppInstalled) error
}

// LogNotifier writes notifications to a logger instead of sending them.
// Useful in development and tests.
type LogNotifier struct {
	Logger *slog.Logger
}

// AppInstalled implements Notifier.
func (n *LogNotifier) AppInstalled(_ context.Context, event AppInstalled) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("App installed notification",
		"app", event.AppName,
		"team", event.TeamName,
	)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
