// Package alertsink turns an AlertRaised event into a best-effort desktop
// notification. Carried from internal/notifications/toast.go in the wider
// CLIAIMONITOR product, generalized from "supervisor needs input" to any
// AlertRaised event; same runtime.GOOS-gated, fire-and-forget semantics --
// a missed notification is never retried or treated as an error, since the
// coordinator's correctness never depends on whether a human saw it.
package alertsink

import (
	"log"
	"runtime"

	"github.com/go-toast/toast"
)

// Alert is the minimal information an AlertRaised event carries that is
// worth surfacing to a desktop user.
type Alert struct {
	Title   string
	Message string
}

// Sink publishes Alerts as desktop toasts on platforms that support it.
type Sink struct {
	appID  string
	logger *log.Logger
}

// New creates a Sink. appID identifies the notifying application in the
// OS notification center.
func New(appID string, logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.Default()
	}
	return &Sink{appID: appID, logger: logger}
}

// Notify shows a desktop toast for a. It is best-effort: failures are
// logged, never returned, so a caller folding this into the event-bus
// subscriber loop never has to special-case notification failures (spec
// §6, AlertRaised is advisory).
func (s *Sink) Notify(a Alert) {
	if runtime.GOOS != "windows" {
		s.logger.Printf("[ALERTSINK] %s: %s (no desktop notifier on %s)", a.Title, a.Message, runtime.GOOS)
		return
	}
	notification := toast.Notification{
		AppID:   s.appID,
		Title:   a.Title,
		Message: a.Message,
	}
	if err := notification.Push(); err != nil {
		s.logger.Printf("[ALERTSINK] toast push failed: %v", err)
	}
}
