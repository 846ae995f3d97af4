// Package notify delivers user-facing progress messages. The original
// platform pushed these over a chat transport; here they land in the log,
// behind an interface so a real transport can slot in.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier delivers a short status message to a user.
type Notifier interface {
	Notify(ctx context.Context, userID, text string)
}

// LogNotifier writes notifications to the global logger.
type LogNotifier struct{}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(_ context.Context, userID, text string) {
	zap.L().Info("notify",
		zap.String("user_id", userID),
		zap.String("text", text))
}
